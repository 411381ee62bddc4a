package ingest

import (
	"encoding/hex"
	"strings"
)

// transferSelector is the 4-byte selector of transfer(address,uint256).
const transferSelector = "a9059cbb"

// IsERC20Transfer reports whether input is well-formed calldata for
// transfer(address,uint256).
func IsERC20Transfer(input string) bool {
	data := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(input), "0x"))
	if len(data) < 8+128 || data[:8] != transferSelector {
		return false
	}
	params, err := hex.DecodeString(data[8 : 8+128])
	if err != nil {
		return false
	}
	// An ABI-encoded address is left-padded with 12 zero bytes.
	for _, b := range params[:12] {
		if b != 0 {
			return false
		}
	}
	return true
}

// hasCalldata reports whether input carries anything beyond an empty 0x.
func hasCalldata(input string) bool {
	return strings.TrimPrefix(strings.TrimSpace(input), "0x") != ""
}
