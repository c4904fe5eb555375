package ckcookie

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha512"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/geph-official/ckudp/libs/erand"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize        = 32
	keySize         = chacha20poly1305.KeySize
	kdfIterations   = 100
	processSecretSz = 32
)

// Cookie is the handshake state a listener hands to a client instead of storing it.
type Cookie struct {
	RequestTime  time.Duration // since listener start
	Source       *net.UDPAddr
	ConnectionID uint64
}

// sealedCookie is the RLP form of a Cookie.
type sealedCookie struct {
	RequestTime  uint64
	IP           []byte
	Port         uint16
	ConnectionID uint64
}

var (
	processSecret     []byte
	processSecretOnce sync.Once
)

// ProcessSecret returns a random secret generated on first use and kept only in memory.
func ProcessSecret() []byte {
	processSecretOnce.Do(func() {
		processSecret = make([]byte, processSecretSz)
		erand.Fill(processSecret)
	})
	return processSecret
}

// Jar seals and opens cookies under a single key derived at construction.
// It is not safe for concurrent use.
type Jar struct {
	aead    cipher.AEAD
	plain   bytes.Buffer
	scratch [ckwire.MaxCookieSize]byte
	opened  [ckwire.MaxCookieSize]byte
}

// NewJar derives a fresh key from secret and a random salt.
func NewJar(secret []byte) (*Jar, error) {
	if len(secret) == 0 {
		secret = ProcessSecret()
	}
	salt := make([]byte, saltSize)
	erand.Fill(salt)
	key := pbkdf2.Key(secret, salt, kdfIterations, keySize, sha512.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "building cookie cipher")
	}
	return &Jar{aead: aead}, nil
}

// Seal encrypts c and returns nonce||ciphertext. The result aliases the jar's
// scratch space and is only valid until the next call to Seal.
func (j *Jar) Seal(c Cookie) ([]byte, error) {
	sc := sealedCookie{
		RequestTime:  uint64(c.RequestTime),
		ConnectionID: c.ConnectionID,
	}
	if c.Source != nil {
		sc.IP = c.Source.IP
		if ip4 := c.Source.IP.To4(); ip4 != nil {
			sc.IP = ip4
		}
		sc.Port = uint16(c.Source.Port)
	}
	j.plain.Reset()
	if err := rlp.Encode(&j.plain, sc); err != nil {
		return nil, errors.Wrap(err, "encoding cookie")
	}
	ns := j.aead.NonceSize()
	if ns+j.plain.Len()+j.aead.Overhead() > len(j.scratch) {
		return nil, errors.Errorf("sealed cookie would be %d bytes, limit is %d",
			ns+j.plain.Len()+j.aead.Overhead(), len(j.scratch))
	}
	nonce := j.scratch[:ns]
	erand.Fill(nonce)
	sealed := j.aead.Seal(j.scratch[ns:ns], nonce, j.plain.Bytes(), nil)
	return j.scratch[:ns+len(sealed)], nil
}

// Open authenticates and decodes a sealed cookie. Any failure is reported as
// false; the caller just sent junk.
func (j *Jar) Open(b []byte) (Cookie, bool) {
	ns := j.aead.NonceSize()
	if len(b) < ns+j.aead.Overhead() {
		return Cookie{}, false
	}
	plain, err := j.aead.Open(j.opened[:0], b[:ns], b[ns:], nil)
	if err != nil {
		return Cookie{}, false
	}
	var sc sealedCookie
	if err := rlp.DecodeBytes(plain, &sc); err != nil {
		return Cookie{}, false
	}
	if len(sc.IP) != net.IPv4len && len(sc.IP) != net.IPv6len {
		return Cookie{}, false
	}
	return Cookie{
		RequestTime:  time.Duration(sc.RequestTime),
		Source:       &net.UDPAddr{IP: append(net.IP(nil), sc.IP...), Port: int(sc.Port)},
		ConnectionID: sc.ConnectionID,
	}, true
}
