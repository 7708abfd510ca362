package gitsync

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/utilitywarehouse/mirror-sync/giturl"
	"github.com/utilitywarehouse/mirror-sync/internal/utils"
	"github.com/utilitywarehouse/mirror-sync/mirror"
	"golang.org/x/crypto/pkcs12"
)

const loadCredsScript = `#!/bin/sh

case "$1" in
  Username*) echo "$REPO_USERNAME" ;;
  Password*) echo "$REPO_PASSWORD" ;;
esac
`

// setupAuth prepares envs and config args used by every command which talks
// to the remote.
func (r *run) setupAuth(ctx context.Context) error {
	r.cfgArgs = []string{
		"-c", fmt.Sprintf("http.lowSpeedLimit=%d", r.conf.LowSpeedLimit),
		"-c", fmt.Sprintf("http.lowSpeedTime=%d", int(r.conf.LowSpeedTime.Seconds())),
	}

	if p := r.req.Proxy; p != nil && p.Host != "" {
		proxyURL := proxyURL(p)
		r.authEnvs = append(r.authEnvs, "http_proxy="+proxyURL, "https_proxy="+proxyURL)
	}

	if giturl.IsSCPURL(r.req.URL) || giturl.IsSSHURL(r.req.URL) {
		r.authEnvs = append(r.authEnvs, r.gitSSHCommand())
		return nil
	}

	// if url not ssh or http(s) nothing to set
	if !giturl.IsHTTPSURL(r.req.URL) && !giturl.IsHTTPURL(r.req.URL) {
		return nil
	}

	if cert := r.req.Credentials.Certificate; cert != nil {
		if err := r.setupCertificate(cert); err != nil {
			return err
		}
	}

	username, password, err := r.httpCredentials(ctx)
	if err != nil {
		return err
	}
	if password == "" {
		return nil
	}

	loader, err := r.ensureCredsLoader()
	if err != nil {
		return fmt.Errorf("unable to write load creds script file err:%w", err)
	}

	r.authEnvs = append(r.authEnvs,
		fmt.Sprintf(`GIT_ASKPASS=%s`, loader),
		fmt.Sprintf(`REPO_USERNAME=%s`, username),
		fmt.Sprintf(`REPO_PASSWORD=%s`, password),
	)
	return nil
}

func (r *run) httpCredentials(ctx context.Context) (string, string, error) {
	up := r.req.Credentials.UsernamePassword
	switch {
	// if username & password is set use that
	case up != nil && up.Username != "" && up.Password != "":
		return up.Username, up.Password, nil

	// if only password (token) is set use that
	case up != nil && up.Password != "":
		return "-", up.Password, nil // username is required

	// if github app config is set use that token
	case r.ghTokens != nil && giturl.IsHTTPSURL(r.req.URL):
		gURL, err := giturl.Parse(r.req.URL)
		if err != nil || gURL.Host != "github.com" {
			return "", "", nil
		}
		// github matches repo name without `.git` for permission for token req
		token, err := r.ghTokens.Token(ctx, strings.TrimSuffix(gURL.Repo, ".git"))
		if err != nil {
			return "", "", fmt.Errorf("unable to get github app token err:%w", err)
		}
		return "-", token, nil
	}
	return "", "", nil
}

func (r *run) ensureCredsLoader() (string, error) {
	credsLoader := filepath.Join(r.dir, "mirror-creds-loader.sh")

	_, err := os.Stat(credsLoader)
	switch {
	case os.IsNotExist(err):
		if err := os.WriteFile(credsLoader, []byte(loadCredsScript), 0750); err != nil {
			return "", err
		}
	case err != nil:
		return "", fmt.Errorf("unable to check if script file exits err:%w", err)
	}

	return credsLoader, nil
}

// setupCertificate converts the PKCS#12 client certificate into PEM files
// which are removed once the attempt is over.
func (r *run) setupCertificate(cert *mirror.Certificate) error {
	blocks, err := pkcs12.ToPEM(cert.Data, cert.Password)
	if err != nil {
		return fmt.Errorf("unable to decode client certificate err:%w", err)
	}

	var certPEM, keyPEM []byte
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(b)...)
		case "PRIVATE KEY":
			// ToPEM labels PKCS#1 and SEC1 keys as "PRIVATE KEY"
			if _, err := x509.ParsePKCS1PrivateKey(b.Bytes); err == nil {
				b.Type = "RSA PRIVATE KEY"
			} else if _, err := x509.ParseECPrivateKey(b.Bytes); err == nil {
				b.Type = "EC PRIVATE KEY"
			}
			keyPEM = append(keyPEM, pem.EncodeToMemory(b)...)
		}
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return fmt.Errorf("client certificate must contain a certificate and a private key")
	}

	certFile, err := r.writeTmpFile("client-cert-*.pem", certPEM)
	if err != nil {
		return err
	}
	keyFile, err := r.writeTmpFile("client-key-*.pem", keyPEM)
	if err != nil {
		return err
	}

	r.cfgArgs = append(r.cfgArgs, "-c", "http.sslCert="+certFile, "-c", "http.sslKey="+keyFile)
	return nil
}

func (r *run) writeTmpFile(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(r.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("unable to create temp file err:%w", err)
	}
	r.tmpFiles = append(r.tmpFiles, f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("unable to write temp file err:%w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("unable to write temp file err:%w", err)
	}
	return f.Name(), nil
}

// gitSSHCommand returns the environment variable to be used for configuring
// git over ssh.
func (r *run) gitSSHCommand() string {
	sshKeyPath := r.conf.Auth.SSHKeyPath
	if sshKeyPath == "" {
		sshKeyPath = "/dev/null"
	}
	knownHostsOptions := "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	if r.conf.Auth.SSHKeyPath != "" && r.conf.Auth.SSHKnownHostsPath != "" {
		knownHostsOptions = fmt.Sprintf("-o UserKnownHostsFile=%s", r.conf.Auth.SSHKnownHostsPath)
	}
	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s`, sshKeyPath, knownHostsOptions)
}

func proxyURL(p *mirror.Proxy) string {
	u := url.URL{
		Scheme: "http",
		Host:   p.Host,
	}
	if p.Port > 0 {
		u.Host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// setupGPG selects the keyring used for signature verification. Mirrors with
// a key list get a keyring of their own holding only those keys.
func (r *run) setupGPG(ctx context.Context) error {
	if r.req.Verification != mirror.VerificationKeyList {
		if r.conf.GnupgHome != "" {
			r.gpgEnvs = []string{"GNUPGHOME=" + r.conf.GnupgHome}
		}
		return nil
	}

	home, err := os.MkdirTemp(r.dir, "gnupg-")
	if err != nil {
		return fmt.Errorf("unable to create keyring dir err:%w", err)
	}
	r.tmpFiles = append(r.tmpFiles, home)

	for i, key := range r.req.TrustedKeys {
		file, err := r.writeTmpFile("key-*.asc", []byte(key.Raw))
		if err != nil {
			return err
		}
		// gpg --batch --homedir <home> --import <file>
		if _, err := utils.RunCommand(ctx, r.log, r.envs, r.dir, "gpg", "--batch", "--homedir", home, "--import", file); err != nil {
			return fmt.Errorf("unable to import trusted key %d (%s) err:%w", i, key.DisplayName, err)
		}
	}

	r.gpgEnvs = []string{"GNUPGHOME=" + home}
	return nil
}
