package providers

import "strings"

// modelRate is USD per million tokens.
type modelRate struct {
	In  float64
	Out float64
}

// rateTable maps model-name prefixes to rates. Longest prefix wins.
// Unknown models fall back to defaultRate so cost accounting never
// silently reports zero for a real call.
var rateTable = map[string]modelRate{
	"claude-opus":    {15.00, 75.00},
	"claude-sonnet":  {3.00, 15.00},
	"claude-haiku":   {0.80, 4.00},
	"gpt-5":          {1.25, 10.00},
	"gpt-4o":         {2.50, 10.00},
	"gpt-4o-mini":    {0.15, 0.60},
	"gemini-2.5-pro": {1.25, 10.00},
	"gemini":         {0.30, 2.50},
	"deepseek":       {0.27, 1.10},
	"qwen":           {0.40, 1.20},
}

var defaultRate = modelRate{1.00, 3.00}

// Cost computes the USD cost of a call from its usage, by model name.
func Cost(model string, usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	rate := lookupRate(model)
	return float64(usage.PromptTokens)*rate.In/1e6 + float64(usage.CompletionTokens)*rate.Out/1e6
}

func lookupRate(model string) modelRate {
	model = strings.ToLower(model)
	best := ""
	for prefix := range rateTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultRate
	}
	return rateTable[best]
}
