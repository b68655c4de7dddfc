package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// keyPair is the per-job ephemeral credential: a freshly generated
// ed25519 key whose public half is injected into each instance at boot
// via cloud-init. The private half never leaves this process's memory.
type keyPair struct {
	signer     ssh.Signer
	authorized string
}

func newKeyPair() (*keyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, fmt.Errorf("building signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return &keyPair{
		signer:     signer,
		authorized: string(ssh.MarshalAuthorizedKey(sshPub)),
	}, nil
}

// userData renders the cloud-init payload that writes the public key
// into the default user's authorized keys, base64-encoded the way the
// EC2 API expects it.
func (k *keyPair) userData() string {
	payload := fmt.Sprintf("#cloud-config\nssh_authorized_keys:\n  - %s", k.authorized)
	return base64.StdEncoding.EncodeToString([]byte(payload))
}
