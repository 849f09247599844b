package translate

import (
	"fmt"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// Registry resolves a ProviderType to its Codec. Built once at startup and
// shared read-only across every request, since Codecs are themselves
// stateless.
type Registry struct {
	codecs map[contracts.ProviderType]Codec
}

// NewRegistry builds a Registry wired with AILink's three supported
// provider codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[contracts.ProviderType]Codec)}
	r.Register(&openAICodec{})
	r.Register(&anthropicCodec{})
	r.Register(&geminiCodec{})
	return r
}

// Register adds or replaces the codec for its own Provider().
func (r *Registry) Register(c Codec) {
	r.codecs[c.Provider()] = c
}

// Codec returns the registered codec for provider, or an error if none is
// registered (treated as ProviderGeneric passthrough by callers that can
// tolerate it).
func (r *Registry) Codec(provider contracts.ProviderType) (Codec, error) {
	c, ok := r.codecs[provider]
	if !ok {
		return nil, fmt.Errorf("translate: no codec registered for provider %q", provider)
	}
	return c, nil
}

// Translate re-encodes a request parsed in srcProvider's schema into
// dstProvider's schema, round-tripping through the envelope. When
// srcProvider == dstProvider, callers should skip this and forward the raw
// body unchanged — Translate is for genuine cross-provider dispatch only.
func (r *Registry) Translate(srcProvider, dstProvider contracts.ProviderType, body []byte) (path string, out []byte, err error) {
	src, err := r.Codec(srcProvider)
	if err != nil {
		return "", nil, err
	}
	dst, err := r.Codec(dstProvider)
	if err != nil {
		return "", nil, err
	}

	env, err := src.DecodeRequest(body)
	if err != nil {
		return "", nil, fmt.Errorf("translate: decode %s request: %w", srcProvider, err)
	}
	path, out, err = dst.EncodeRequest(env)
	if err != nil {
		return "", nil, fmt.Errorf("translate: encode %s request: %w", dstProvider, err)
	}
	return path, out, nil
}

// TranslateResponse re-encodes an upstream's response body into the
// provider schema the client expects.
func (r *Registry) TranslateResponse(srcProvider, dstProvider contracts.ProviderType, body []byte) ([]byte, error) {
	src, err := r.Codec(srcProvider)
	if err != nil {
		return nil, err
	}
	dst, err := r.Codec(dstProvider)
	if err != nil {
		return nil, err
	}

	resp, err := src.DecodeResponse(body)
	if err != nil {
		return nil, fmt.Errorf("translate: decode %s response: %w", srcProvider, err)
	}
	out, err := dst.EncodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("translate: encode %s response: %w", dstProvider, err)
	}
	return out, nil
}
