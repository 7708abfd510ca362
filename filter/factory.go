package filter

import (
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// KeyParser resolves raw key material into public keys
type KeyParser interface {
	Parse(raw mirror.RawKey) ([]PublicKey, error)
}

// Factory builds a fresh Filter for every sync attempt
type Factory struct {
	Keys KeyParser
}

// NewFactory returns a Factory which parses armored OpenPGP keys
func NewFactory() *Factory {
	return &Factory{Keys: OpenPGPKeyParser{}}
}

// Create returns the Filter of the given configuration snapshot. Trusted
// keys are only parsed when verification mode is KEY_LIST.
func (fa *Factory) Create(conf mirror.Configuration) (Filter, error) {
	var keys []PublicKey
	if conf.Verification == mirror.VerificationKeyList {
		for _, raw := range conf.TrustedKeys {
			parsed, err := fa.Keys.Parse(raw)
			if err != nil {
				return Filter{}, fmt.Errorf("unable to parse trusted key %q err:%w", raw.DisplayName, err)
			}
			keys = append(keys, parsed...)
		}
	}
	return New(conf, keys)
}

// OpenPGPKeyParser parses ASCII armored OpenPGP public keys
type OpenPGPKeyParser struct{}

// Parse returns one PublicKey per entity in the armored key ring
func (OpenPGPKeyParser) Parse(raw mirror.RawKey) ([]PublicKey, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(raw.Raw))
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys found")
	}

	var keys []PublicKey
	for _, e := range entities {
		if e.PrimaryKey == nil {
			continue
		}
		k := PublicKey{
			ID:          e.PrimaryKey.KeyIdString(),
			DisplayName: raw.DisplayName,
		}
		for _, sk := range e.Subkeys {
			if sk.PublicKey == nil {
				continue
			}
			k.SubkeyIDs = append(k.SubkeyIDs, sk.PublicKey.KeyIdString())
		}
		if k.DisplayName == "" {
			for name := range e.Identities {
				k.DisplayName = name
				break
			}
		}
		keys = append(keys, k)
	}
	return keys, nil
}
