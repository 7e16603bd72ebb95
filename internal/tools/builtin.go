package tools

// builtinDefinitions is the canonical catalog of domain tools. Each is backed
// by the Capability boundary; the registry never implements domain logic.
func builtinDefinitions() []Definition {
	return []Definition{
		{
			Name:        "balance.read",
			Description: "Read the current balance of the acting wallet.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"wallet_id": map[string]interface{}{
						"type":        "string",
						"description": "Wallet to inspect; filled in automatically.",
					},
				},
			},
			Permissions: []string{PermWalletRead},
			Inject:      []string{"wallet_id"},
		},
		{
			Name:        "funds.transfer",
			Description: "Transfer funds from the acting wallet to a recipient.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"wallet_id": map[string]interface{}{
						"type":        "string",
						"description": "Source wallet; filled in automatically.",
					},
					"mandate_id": map[string]interface{}{
						"type":        "string",
						"description": "Authorizing mandate; filled in automatically.",
					},
					"recipient": map[string]interface{}{
						"type":        "string",
						"description": "Recipient account or wallet identifier.",
					},
					"amount": map[string]interface{}{
						"type":        "number",
						"description": "Amount in the wallet's currency.",
					},
					"reference": map[string]interface{}{
						"type":        "string",
						"description": "Optional human-readable reference.",
					},
				},
				"required": []string{"recipient", "amount"},
			},
			Permissions: []string{PermFundsTransfer},
			Inject:      []string{"wallet_id", "mandate_id"},
		},
		{
			Name:        "mandate.check",
			Description: "Check whether the active mandate authorizes an operation and amount.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"mandate_id": map[string]interface{}{
						"type":        "string",
						"description": "Mandate to check; filled in automatically.",
					},
					"operation": map[string]interface{}{
						"type":        "string",
						"description": "Operation name, e.g. transfer.",
					},
					"amount": map[string]interface{}{
						"type":        "number",
						"description": "Amount to authorize.",
					},
				},
				"required": []string{"operation"},
			},
			Permissions: []string{PermMandateRead},
			Inject:      []string{"mandate_id"},
		},
		{
			Name:        EscalateToolName,
			Description: "Request input from a human when the task cannot proceed without it. Explain exactly what is needed.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "What input is required and why.",
					},
				},
				"required": []string{"reason"},
			},
		},
	}
}
