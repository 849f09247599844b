//go:build property
// +build property

package translate_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/translate"
)

// TestTranslatorRoundTrip verifies that for each supported provider,
// decoding a request this same provider just encoded recovers the original
// user text, per spec §4.6's "the envelope is a lossless round trip for
// every field a provider's wire schema can represent." Tool calls, images,
// and multi-turn histories are exercised elsewhere; this law isolates the
// single-user-text-message case, which every provider's schema supports.
func TestTranslatorRoundTrip(t *testing.T) {
	reg := translate.NewRegistry()
	providers := []contracts.ProviderType{
		contracts.ProviderOpenAI,
		contracts.ProviderAnthropic,
		contracts.ProviderGemini,
	}

	for _, provider := range providers {
		provider := provider
		codec, err := reg.Codec(provider)
		if err != nil {
			t.Fatalf("no codec for %s: %v", provider, err)
		}

		parameters := gopter.DefaultTestParameters()
		parameters.MinSuccessfulTests = 100
		properties := gopter.NewProperties(parameters)

		properties.Property(string(provider)+": DecodeRequest(EncodeRequest(x)) preserves user text", prop.ForAll(
			func(text string) bool {
				if text == "" {
					// Several codecs omit an empty text content part entirely on
					// encode, so there is nothing to recover on decode.
					return true
				}
				req := &translate.ChatRequest{
					Model: "m",
					Messages: []translate.Message{
						{Role: translate.RoleUser, Content: []translate.ContentPart{{Type: "text", Text: text}}},
					},
				}
				_, body, err := codec.EncodeRequest(req)
				if err != nil {
					return false
				}
				decoded, err := codec.DecodeRequest(body)
				if err != nil {
					return false
				}
				if len(decoded.Messages) == 0 || len(decoded.Messages[0].Content) == 0 {
					return false
				}
				return decoded.Messages[0].Content[0].Text == text
			},
			gen.AlphaString(),
		))

		properties.TestingRun(t)
	}
}
