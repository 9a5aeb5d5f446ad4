package models

import "strings"

// Network enumerates the supported target ledgers.
type Network string

const (
	NetworkEthereum    Network = "ethereum"
	NetworkPolygon     Network = "polygon"
	NetworkHyperledger Network = "hyperledger"
)

// DefaultNetwork is used when a caller does not pick one.
const DefaultNetwork = NetworkEthereum

// NetworkMetadata describes chain-level facts callers need to locate a
// transaction outside this system.
type NetworkMetadata struct {
	Network         Network `json:"network"`
	ChainIdentifier string  `json:"chainIdentifier"`
	// ExplorerURLTemplate contains a {tx} placeholder; empty for ledgers
	// without a public explorer.
	ExplorerURLTemplate string `json:"explorerUrlTemplate,omitempty"`
	Description         string `json:"description,omitempty"`
}

// ExplorerURL renders the explorer link for a transaction, or "" when the
// network has no public explorer.
func (m NetworkMetadata) ExplorerURL(transactionRef string) string {
	if m.ExplorerURLTemplate == "" || transactionRef == "" {
		return ""
	}
	return strings.ReplaceAll(m.ExplorerURLTemplate, "{tx}", transactionRef)
}

// ParseNetwork validates a caller-supplied network name. Empty input selects
// the default.
func ParseNetwork(s string) (Network, bool) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultNetwork, true
	case NetworkEthereum:
		return NetworkEthereum, true
	case NetworkPolygon:
		return NetworkPolygon, true
	case NetworkHyperledger:
		return NetworkHyperledger, true
	}
	return "", false
}

// AllNetworks lists supported networks in presentation order.
func AllNetworks() []Network {
	return []Network{NetworkEthereum, NetworkPolygon, NetworkHyperledger}
}
