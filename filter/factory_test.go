package filter

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

type countingParser struct {
	calls int
	keys  []PublicKey
	err   error
}

func (p *countingParser) Parse(mirror.RawKey) ([]PublicKey, error) {
	p.calls++
	return p.keys, p.err
}

func TestFactory_Create_onlyParsesForKeyList(t *testing.T) {
	modes := []mirror.VerificationMode{
		mirror.VerificationNone,
		mirror.VerificationAnySignature,
		mirror.VerificationRepositoryUser,
	}
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			p := &countingParser{err: errors.New("must not be called")}
			fa := &Factory{Keys: p}

			_, err := fa.Create(mirror.Configuration{
				Verification: mode,
				TrustedKeys:  []mirror.RawKey{{DisplayName: "k", Raw: "garbage"}},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.calls != 0 {
				t.Errorf("expected key parser not to be called but got %d calls", p.calls)
			}
		})
	}

	t.Run(string(mirror.VerificationKeyList), func(t *testing.T) {
		p := &countingParser{keys: []PublicKey{{ID: "accepted"}}}
		fa := &Factory{Keys: p}

		f, err := fa.Create(mirror.Configuration{
			Verification: mirror.VerificationKeyList,
			TrustedKeys:  []mirror.RawKey{{DisplayName: "a", Raw: "a"}, {DisplayName: "b", Raw: "b"}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.calls != 2 {
			t.Errorf("expected 2 parser calls but got %d", p.calls)
		}
		if !f.AcceptTag(mirror.TagUpdate{Name: "v1", Signatures: []mirror.Signature{sig("accepted", mirror.SignatureVerified)}}) {
			t.Errorf("expected tag signed by parsed key to be accepted")
		}
	})

	t.Run("parse error", func(t *testing.T) {
		fa := &Factory{Keys: &countingParser{err: errors.New("bad key")}}
		_, err := fa.Create(mirror.Configuration{
			Verification: mirror.VerificationKeyList,
			TrustedKeys:  []mirror.RawKey{{DisplayName: "a", Raw: "a"}},
		})
		if err == nil {
			t.Errorf("Create() expected error")
		}
	})
}

func TestOpenPGPKeyParser_Parse(t *testing.T) {
	entity, err := openpgp.NewEntity("Mirror Test", "", "mirror-test@example.com", nil)
	if err != nil {
		t.Fatalf("unable to create test key: %v", err)
	}

	buf := &bytes.Buffer{}
	w, err := armor.Encode(buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("unable to create armor encoder: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("unable to serialize key: %v", err)
	}
	w.Close()

	var wantSubkeys []string
	for _, sk := range entity.Subkeys {
		wantSubkeys = append(wantSubkeys, sk.PublicKey.KeyIdString())
	}
	want := []PublicKey{{
		ID:          entity.PrimaryKey.KeyIdString(),
		SubkeyIDs:   wantSubkeys,
		DisplayName: "test key",
	}}

	got, err := OpenPGPKeyParser{}.Parse(mirror.RawKey{DisplayName: "test key", Raw: buf.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}

	t.Run("invalid", func(t *testing.T) {
		if _, err := (OpenPGPKeyParser{}).Parse(mirror.RawKey{Raw: "not a key"}); err == nil {
			t.Errorf("Parse() expected error")
		}
	})
}
