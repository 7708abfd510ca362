package gitsync

import (
	"bufio"
	"context"
	"strings"

	"github.com/utilitywarehouse/mirror-sync/mirror"
)

const (
	gpgStatusPrefix = "[GNUPG:] "
	// ERRSIG return code for a missing public key
	errSigNoPublicKey = "9"
)

// commitSignatures returns signatures of the given commit as verified by gpg
func (r *run) commitSignatures(ctx context.Context, rev string) []mirror.Signature {
	// git verify-commit --raw <rev>
	_, stderr, err := r.gitWithOutput(ctx, r.gpgEnvs, "verify-commit", "--raw", rev)
	sigs := parseGPGStatus(stderr)
	if err != nil && len(sigs) == 0 {
		r.log.Log(ctx, -8, "commit has no signature", "rev", rev)
	}
	return sigs
}

// tagSignatures returns signatures of the given tag object. Lightweight tags
// have none.
func (r *run) tagSignatures(ctx context.Context, rev string) []mirror.Signature {
	// git verify-tag --raw <rev>
	_, stderr, err := r.gitWithOutput(ctx, r.gpgEnvs, "verify-tag", "--raw", rev)
	sigs := parseGPGStatus(stderr)
	if err != nil && len(sigs) == 0 {
		r.log.Log(ctx, -8, "tag has no signature", "rev", rev)
	}
	return sigs
}

// parseGPGStatus parses machine readable status lines written by gpg
// --status-fd. See doc/DETAILS in the gnupg source for the format.
func parseGPGStatus(out string) []mirror.Signature {
	var sigs []mirror.Signature
	var cur *mirror.Signature

	next := func() *mirror.Signature {
		sigs = append(sigs, mirror.Signature{Algorithm: "gpg"})
		return &sigs[len(sigs)-1]
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), gpgStatusPrefix)
		if !ok {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "NEWSIG":
			cur = next()

		case "GOODSIG", "BADSIG", "EXPSIG", "EXPKEYSIG", "REVKEYSIG":
			if cur == nil || cur.Status != "" {
				cur = next()
			}
			if len(fields) > 1 {
				cur.KeyID = fields[1]
			}
			if len(fields) > 2 {
				cur.Subject = strings.Join(fields[2:], " ")
			}
			cur.Status = mirror.SignatureInvalid
			if fields[0] == "GOODSIG" {
				cur.Status = mirror.SignatureVerified
			}

		case "ERRSIG":
			if cur == nil || cur.Status != "" {
				cur = next()
			}
			if len(fields) > 1 {
				cur.KeyID = fields[1]
			}
			cur.Status = mirror.SignatureInvalid
			if len(fields) > 6 && fields[6] == errSigNoPublicKey {
				cur.Status = mirror.SignatureNotFound
			}

		case "VALIDSIG":
			// VALIDSIG <fpr> <date> <ts> <expire> <ver> <reserved> <pkalgo> <hashalgo> <class> [<primary-fpr>]
			if cur == nil || len(fields) < 2 {
				continue
			}
			signingKey := longKeyID(fields[1])
			if len(fields) > 10 {
				if primary := longKeyID(fields[10]); primary != signingKey {
					cur.KeyID = primary
					cur.SubkeyIDs = append(cur.SubkeyIDs, signingKey)
				}
			}
		}
	}

	// drop signature slots which never got a result
	valid := sigs[:0]
	for _, s := range sigs {
		if s.Status != "" {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	return valid
}

// longKeyID returns the 64bit key id of a fingerprint
func longKeyID(fpr string) string {
	fpr = strings.ToUpper(fpr)
	if len(fpr) <= 16 {
		return fpr
	}
	return fpr[len(fpr)-16:]
}
