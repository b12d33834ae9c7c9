package queue

import (
	"fmt"
	"strings"
)

// Scope partitions all queue state per account and network.
type Scope struct {
	UserAddress string `json:"user_address"`
	ChainID     int64  `json:"chain_id"`
}

// NewScope normalizes the address so the same account always maps to one scope.
func NewScope(userAddress string, chainID int64) Scope {
	return Scope{UserAddress: strings.ToLower(strings.TrimSpace(userAddress)), ChainID: chainID}
}

// Validate fails with ErrInvalidScope when either key is missing.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.UserAddress) == "" || s.ChainID <= 0 {
		return ErrInvalidScope
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s@%d", s.UserAddress, s.ChainID)
}
