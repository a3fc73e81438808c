package domain

// PoolInfo is read-only annotation data resolved from the external pool
// catalog. It decorates subscription acks and never gates relay behavior.
type PoolInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	BaseMint  string `json:"baseMint,omitempty"`
	QuoteMint string `json:"quoteMint,omitempty"`
	Verified  bool   `json:"verified"`
}
