package costs

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"mercator-hq/costgate/pkg/config"
)

var thousand = decimal.NewFromInt(1000)

const secondsPerMinute = 60

// SMS segment sizes in characters.
const (
	gsmSingleSegment  = 160
	gsmMultiSegment   = 153
	ucs2SingleSegment = 70
	ucs2MultiSegment  = 67
)

// Calculator prices AI calls, voice minutes and SMS segments.
// It is safe for concurrent use and supports hot-reload of pricing.
type Calculator struct {
	mu     sync.RWMutex
	config *config.CostsConfig
}

// NewCalculator creates a new cost calculator with the given pricing.
func NewCalculator(cfg *config.CostsConfig) *Calculator {
	return &Calculator{config: cfg}
}

// UpdatePricing swaps the pricing tables while the calculator is in use.
func (c *Calculator) UpdatePricing(cfg *config.CostsConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
}

// AICost prices actual token usage. Cached prompt tokens are billed at the
// cached rate when the model has one.
func (c *Calculator) AICost(usage TokenUsage, model, provider string) (*CostEstimate, error) {
	if usage.PromptTokens < 0 || usage.CompletionTokens < 0 || usage.CachedTokens < 0 {
		return nil, fmt.Errorf("token counts cannot be negative")
	}

	pricing, err := c.GetModelPricing(model, provider)
	if err != nil {
		return nil, err
	}

	est := &CostEstimate{
		Model:    model,
		Provider: provider,
		Tokens:   usage.PromptTokens + usage.CompletionTokens,
	}

	if usage.CachedTokens > 0 && pricing.CachedPromptPer1K.IsPositive() {
		uncached := usage.PromptTokens - usage.CachedTokens
		if uncached < 0 {
			uncached = 0
		}
		est.PromptCost = tokenCost(uncached, pricing.PromptPer1K).
			Add(tokenCost(usage.CachedTokens, pricing.CachedPromptPer1K))
	} else {
		est.PromptCost = tokenCost(usage.PromptTokens, pricing.PromptPer1K)
	}
	est.CompletionCost = tokenCost(usage.CompletionTokens, pricing.CompletionPer1K)
	est.TotalCost = est.PromptCost.Add(est.CompletionCost)

	return est, nil
}

// EstimateAI prices a request before it runs from estimated token counts.
func (c *Calculator) EstimateAI(promptTokens, maxCompletionTokens int, model, provider string) (*CostEstimate, error) {
	return c.AICost(TokenUsage{PromptTokens: promptTokens, CompletionTokens: maxCompletionTokens}, model, provider)
}

// GetModelPricing looks up pricing by exact model, then the longest
// matching model prefix, then the default entry.
func (c *Calculator) GetModelPricing(model, provider string) (*ModelPricing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if models, ok := c.config.AI[provider]; ok {
		if p, ok := models[model]; ok {
			return newModelPricing(model, provider, p), nil
		}

		// "gpt-4o" matches "gpt-4o-2024-08-06"
		best := ""
		for pattern := range models {
			if strings.HasPrefix(model, pattern) && len(pattern) > len(best) {
				best = pattern
			}
		}
		if best != "" {
			return newModelPricing(model, provider, models[best]), nil
		}
	}

	if p, ok := c.config.AI[DefaultProvider][DefaultProvider]; ok {
		return newModelPricing(model, provider, p), nil
	}

	return nil, fmt.Errorf("no pricing found for model %q and provider %q", model, provider)
}

// VoiceRate returns the per-minute price for provider, falling back to
// the default rate.
func (c *Calculator) VoiceRate(provider string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rateFor(c.config.Voice, provider)
}

// EstimateVoice prices a call of the expected length before it is placed.
func (c *Calculator) EstimateVoice(provider string, estimatedSeconds int) decimal.Decimal {
	return c.VoiceCallCost(provider, estimatedSeconds)
}

// VoiceCallCost prices a completed call. Every started minute is billed.
func (c *Calculator) VoiceCallCost(provider string, seconds int) decimal.Decimal {
	return c.VoiceRate(provider).Mul(decimal.NewFromInt(int64(BillableMinutes(seconds))))
}

// SMSRate returns the per-segment price for provider.
func (c *Calculator) SMSRate(provider string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rateFor(c.config.SMS, provider)
}

// SMSCost prices a message body.
func (c *Calculator) SMSCost(provider, body string) *SMSEstimate {
	segments, unicode := SMSSegments(body)
	return &SMSEstimate{
		Provider: provider,
		Segments: segments,
		Unicode:  unicode,
		Cost:     c.SMSRate(provider).Mul(decimal.NewFromInt(int64(segments))),
	}
}

// BillableMinutes rounds seconds up to whole minutes.
func BillableMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + secondsPerMinute - 1) / secondsPerMinute
}

// SMSSegments returns how many segments body is split into and whether it
// needs UCS-2. An empty body still sends one segment.
func SMSSegments(body string) (int, bool) {
	unicode := !isGSM(body)

	length := utf8.RuneCountInString(body)
	single, multi := gsmSingleSegment, gsmMultiSegment
	if unicode {
		single, multi = ucs2SingleSegment, ucs2MultiSegment
	} else {
		length = gsmLength(body)
	}

	if length <= single {
		return 1, unicode
	}
	return (length + multi - 1) / multi, unicode
}

const gsmBasic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Extension characters take two septets.
const gsmExtended = "^{}\\[~]|€\f"

func isGSM(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(gsmBasic, r) && !strings.ContainsRune(gsmExtended, r) {
			return false
		}
	}
	return true
}

func gsmLength(s string) int {
	n := 0
	for _, r := range s {
		n++
		if strings.ContainsRune(gsmExtended, r) {
			n++
		}
	}
	return n
}

func rateFor(rates map[string]decimal.Decimal, provider string) decimal.Decimal {
	if r, ok := rates[provider]; ok {
		return r
	}
	return rates[DefaultProvider]
}

func newModelPricing(model, provider string, p config.ModelPricingConfig) *ModelPricing {
	return &ModelPricing{
		Model:             model,
		Provider:          provider,
		PromptPer1K:       p.Prompt,
		CompletionPer1K:   p.Completion,
		CachedPromptPer1K: p.CachedPrompt,
	}
}

func tokenCost(tokens int, per1K decimal.Decimal) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(tokens)).Mul(per1K).Div(thousand)
}
