package ingest

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	dErrors "carfengine/pkg/domain-errors"
)

const (
	weiDecimals     = 18
	satoshiDecimals = 8
)

// BlockbookTx is the subset of a Blockbook api/v2 transaction the engine reads.
type BlockbookTx struct {
	TxID             string                    `json:"txid"`
	BlockHeight      uint64                    `json:"blockHeight"`
	BlockTime        int64                     `json:"blockTime"`
	Value            string                    `json:"value"`
	Vin              []BlockbookVinVout        `json:"vin"`
	Vout             []BlockbookVinVout        `json:"vout"`
	TokenTransfers   []BlockbookTokenTransfer  `json:"tokenTransfers,omitempty"`
	EthereumSpecific *BlockbookEthereumDetails `json:"ethereumSpecific,omitempty"`
}

type BlockbookVinVout struct {
	Addresses []string `json:"addresses"`
	Value     string   `json:"value,omitempty"`
}

type BlockbookTokenTransfer struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	To       string `json:"to"`
	Contract string `json:"contract"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	Value    string `json:"value"`
}

type BlockbookEthereumDetails struct {
	Data string `json:"data"`
}

// FromBlockbook converts an EVM transaction from Blockbook. Token transfers
// yield one record each, priced in the token; a plain transfer yields one ETH
// record with the wei value scaled to whole units.
func FromBlockbook(tx BlockbookTx) ([]RawTransaction, error) {
	input := ""
	if tx.EthereumSpecific != nil {
		input = tx.EthereumSpecific.Data
	}
	base := RawTransaction{
		Hash:           tx.TxID,
		BlockTimestamp: tx.BlockTime,
		BlockHeight:    tx.BlockHeight,
		Chain:          ChainEthereum,
		Input:          input,
	}

	if len(tx.TokenTransfers) > 0 {
		out := make([]RawTransaction, 0, len(tx.TokenTransfers))
		for _, tt := range tx.TokenTransfers {
			amount, err := scaleUnits(tt.Value, tt.Decimals)
			if err != nil {
				return nil, err
			}
			r := base
			r.Sender = tt.From
			r.Recipient = tt.To
			r.Asset = strings.ToUpper(tt.Symbol)
			r.Amount = amount
			out = append(out, r)
		}
		return out, nil
	}

	if IsERC20Transfer(input) {
		return nil, dErrors.Newf(dErrors.CodeUnsupportedAsset,
			"transaction %s is an ERC-20 transfer without token metadata", tx.TxID)
	}
	if len(tx.Vin) == 0 || len(tx.Vin[0].Addresses) == 0 || len(tx.Vout) == 0 || len(tx.Vout[0].Addresses) == 0 {
		return nil, dErrors.Newf(dErrors.CodeValidation, "transaction %s has no sender or recipient", tx.TxID)
	}
	amount, err := scaleUnits(tx.Value, weiDecimals)
	if err != nil {
		return nil, err
	}
	r := base
	r.Sender = tx.Vin[0].Addresses[0]
	r.Recipient = tx.Vout[0].Addresses[0]
	r.Asset = "ETH"
	r.Amount = amount
	return []RawTransaction{r}, nil
}

// BlockchainComTx is the subset of a blockchain.com rawtx payload the engine reads.
type BlockchainComTx struct {
	Hash        string                `json:"hash"`
	Time        int64                 `json:"time"`
	BlockHeight uint64                `json:"block_height"`
	Inputs      []BlockchainComInput  `json:"inputs"`
	Out         []BlockchainComOutput `json:"out"`
}

type BlockchainComInput struct {
	PrevOut BlockchainComOutput `json:"prev_out"`
}

type BlockchainComOutput struct {
	Addr  string `json:"addr"`
	Value int64  `json:"value"`
}

// FromBlockchainCom converts a bitcoin transaction. The first input's address
// is taken as sender; each output to another address becomes one record.
// Change outputs back to the sender are dropped.
func FromBlockchainCom(tx BlockchainComTx) ([]RawTransaction, error) {
	if len(tx.Inputs) == 0 || tx.Inputs[0].PrevOut.Addr == "" {
		return nil, dErrors.Newf(dErrors.CodeValidation, "transaction %s has no sender", tx.Hash)
	}
	sender := tx.Inputs[0].PrevOut.Addr

	var out []RawTransaction
	for _, o := range tx.Out {
		if o.Addr == "" || o.Addr == sender {
			continue
		}
		amount, err := scaleUnits(strconv.FormatInt(o.Value, 10), satoshiDecimals)
		if err != nil {
			return nil, err
		}
		out = append(out, RawTransaction{
			Hash:           tx.Hash,
			Sender:         sender,
			Recipient:      o.Addr,
			Asset:          "BTC",
			Amount:         amount,
			BlockTimestamp: tx.Time,
			BlockHeight:    tx.BlockHeight,
			Chain:          ChainBitcoin,
		})
	}
	if len(out) == 0 {
		return nil, dErrors.Newf(dErrors.CodeValidation, "transaction %s has no outputs to other addresses", tx.Hash)
	}
	return out, nil
}

// scaleUnits converts an integer amount in the smallest unit to whole units.
func scaleUnits(value string, decimals int32) (string, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "amount is not an integer")
	}
	if !v.IsInteger() || v.IsNegative() {
		return "", dErrors.New(dErrors.CodeValidation, "amount must be a non-negative integer")
	}
	return v.Shift(-decimals).String(), nil
}
