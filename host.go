package rendezvous

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"unique"
)

// Hostname identifies a peer independently of the address it dials from.
type Hostname string

// Host is a peer we hold QUIC connections with.
type Host struct {
	Name unique.Handle[Hostname]
	Addr string
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr),
	)
}

// PeerIdentity names a peer from the certificate chain it presented.
// It runs while the connection is being accepted and must not block.
// On error, the message is sent back to the rejected peer.
type PeerIdentity func(certs []*x509.Certificate) (Hostname, error)

// CommonNameIdentity uses the subject common name of the leaf certificate.
func CommonNameIdentity(certs []*x509.Certificate) (Hostname, error) {
	if len(certs) == 0 {
		return "", fmt.Errorf("%w: no client certificate", ErrHostnameResolve)
	}
	cn := certs[0].Subject.CommonName
	if cn == "" {
		return "", fmt.Errorf("%w: certificate has no common name", ErrHostnameResolve)
	}
	return Hostname(cn), nil
}
