package privacy

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	vaultmodels "carfengine/internal/vault/models"
	id "carfengine/pkg/domain"
)

// PseudonymizedTransaction is the only transaction shape aggregation and
// scoring ever see. It carries no raw address.
type PseudonymizedTransaction struct {
	Hash        string
	Chain       string
	Asset       string
	Sender      id.Pseudonym
	Recipient   id.Pseudonym
	SaltVersion id.SaltVersion
	Amount      decimal.Decimal
	ValueGBP    decimal.Decimal
	AssetClass  id.AssetClass
	TaxYear     id.TaxYear
	Timestamp   time.Time
	LocalTime   time.Time
	BlockHeight uint64
	// ContractCall is set when the record carried calldata.
	ContractCall bool
	// PII is the sealed address pair; nil unless PII retention is enabled.
	PII *vaultmodels.EncryptedBlob
}

func (t PseudonymizedTransaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("hash", t.Hash),
		slog.String("sender", t.Sender.String()),
		slog.String("value_gbp", t.ValueGBP.StringFixed(2)),
		slog.String("tax_year", t.TaxYear.String()),
	)
}

// AddressPair is the PII sealed into an EncryptedBlob.
type AddressPair struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// LogValue redacts both addresses.
func (AddressPair) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}
