package cryptfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"
	"slices"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/twofish"
	"golang.org/x/crypto/xtea"
)

// Algorithm identifies a block cipher. The numeric values are stored in the
// file header and must not change.
type Algorithm uint8

const (
	AES Algorithm = iota
	Blowfish
	Camellia
	CAST256
	DESEDE2
	DESEDE3
	MARS
	IDEA
	RC5
	RC6
	Serpent
	SHACAL2
	Skipjack
	Twofish
	XTEA
)

var algorithmNames = []string{
	AES:      "AES",
	Blowfish: "Blowfish",
	Camellia: "Camellia",
	CAST256:  "CAST256",
	DESEDE2:  "DES_EDE2",
	DESEDE3:  "DES_EDE3",
	MARS:     "MARS",
	IDEA:     "IDEA",
	RC5:      "RC5",
	RC6:      "RC6",
	Serpent:  "Serpent",
	SHACAL2:  "SHACAL2",
	Skipjack: "SKIPJACK",
	Twofish:  "Twofish",
	XTEA:     "XTEA",
}

func (a Algorithm) String() string {
	if int(a) < len(algorithmNames) {
		return algorithmNames[a]
	}
	return fmt.Sprintf("Algorithm(%d)", uint8(a))
}

// ParseAlgorithm looks an algorithm up by name, ignoring case.
func ParseAlgorithm(name string) (Algorithm, error) {
	for i, n := range algorithmNames {
		if strings.EqualFold(n, name) {
			return Algorithm(i), nil
		}
	}
	return 0, fmt.Errorf("cipher algorithm %q: %w", name, vfscache.ErrBadParameter)
}

// suite describes what a supported algorithm accepts.
type suite struct {
	blockSize int
	// keySizes lists the accepted key lengths in increasing order, or holds
	// a min and max pair when ranged is set.
	keySizes []int
	ranged   bool
	newBlock func(key []byte) (cipher.Block, error)
}

var suites = map[Algorithm]suite{
	AES: {blockSize: aes.BlockSize, keySizes: []int{16, 24, 32}, newBlock: aes.NewCipher},
	Blowfish: {blockSize: blowfish.BlockSize, keySizes: []int{4, 56}, ranged: true, newBlock: func(key []byte) (cipher.Block, error) {
		return blowfish.NewCipher(key)
	}},
	DESEDE2: {blockSize: des.BlockSize, keySizes: []int{16}, newBlock: func(key []byte) (cipher.Block, error) {
		// Two-key triple DES is K1, K2, K1.
		return des.NewTripleDESCipher(slices.Concat(key, key[:8]))
	}},
	DESEDE3: {blockSize: des.BlockSize, keySizes: []int{24}, newBlock: des.NewTripleDESCipher},
	Twofish: {blockSize: twofish.BlockSize, keySizes: []int{16, 24, 32}, newBlock: func(key []byte) (cipher.Block, error) {
		return twofish.NewCipher(key)
	}},
	XTEA: {blockSize: xtea.BlockSize, keySizes: []int{16}, newBlock: func(key []byte) (cipher.Block, error) {
		return xtea.NewCipher(key)
	}},
}

func lookup(a Algorithm) (suite, error) {
	s, ok := suites[a]
	if !ok {
		return suite{}, fmt.Errorf("cipher algorithm %s: %w", a, vfscache.ErrNotSupported)
	}
	return s, nil
}

func (s suite) minKey() int { return s.keySizes[0] }

func (s suite) maxKey() int { return s.keySizes[len(s.keySizes)-1] }

// keyLength is the number of key bytes used from a key of n bytes: the
// longest accepted length not above n.
func (s suite) keyLength(n int) (int, error) {
	if n < s.minKey() {
		return 0, fmt.Errorf("key is %d bytes, at least %d required: %w", n, s.minKey(), vfscache.ErrBadParameter)
	}
	if s.ranged {
		return min(n, s.maxKey()), nil
	}
	best := s.keySizes[0]
	for _, k := range s.keySizes {
		if k <= n {
			best = k
		}
	}
	return best, nil
}

// BlockMode is the chaining mode applied within a sector. The numeric
// values are stored in the file header.
type BlockMode uint8

const (
	CBC BlockMode = iota
	CFB
	OFB
	CTR
	CBCCTS
)

var modeNames = []string{CBC: "CBC", CFB: "CFB", OFB: "OFB", CTR: "CTR", CBCCTS: "CBC_CTS"}

func (m BlockMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("BlockMode(%d)", uint8(m))
}

// ParseBlockMode looks a block mode up by name, ignoring case.
func ParseBlockMode(name string) (BlockMode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(n, name) {
			return BlockMode(i), nil
		}
	}
	return 0, fmt.Errorf("cipher block mode %q: %w", name, vfscache.ErrBadParameter)
}

// sectorCipher encrypts whole sectors in place.
type sectorCipher struct {
	block cipher.Block
	mode  BlockMode
}

func newSectorCipher(alg Algorithm, mode BlockMode, key []byte) (*sectorCipher, error) {
	s, err := lookup(alg)
	if err != nil {
		return nil, err
	}
	if int(mode) >= len(modeNames) {
		return nil, fmt.Errorf("cipher block mode %d: %w", mode, vfscache.ErrNotSupported)
	}
	n, err := s.keyLength(len(key))
	if err != nil {
		return nil, err
	}
	block, err := s.newBlock(key[:n])
	if err != nil {
		return nil, fmt.Errorf("creating %s cipher: %v: %w", alg, err, vfscache.ErrBadParameter)
	}
	return &sectorCipher{block: block, mode: mode}, nil
}

func (c *sectorCipher) blockSize() int { return c.block.BlockSize() }

// sectorIV derives the IV of the sector at offset by xoring the offset, little
// endian, into the first bytes of the file IV.
func sectorIV(iv []byte, offset uint64) []byte {
	out := slices.Clone(iv)
	for i := 0; i < len(out) && i < 8; i++ {
		out[i] ^= byte(offset)
		offset >>= 8
	}
	return out
}

func (c *sectorCipher) encrypt(buf, iv []byte) {
	switch c.mode {
	case CBC:
		cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(buf, buf)
	case CFB:
		cipher.NewCFBEncrypter(c.block, iv).XORKeyStream(buf, buf)
	case OFB:
		cipher.NewOFB(c.block, iv).XORKeyStream(buf, buf)
	case CTR:
		cipher.NewCTR(c.block, iv).XORKeyStream(buf, buf)
	case CBCCTS:
		cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(buf, buf)
		swapLastBlocks(buf, c.blockSize())
	}
}

func (c *sectorCipher) decrypt(buf, iv []byte) {
	switch c.mode {
	case CBC:
		cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(buf, buf)
	case CFB:
		cipher.NewCFBDecrypter(c.block, iv).XORKeyStream(buf, buf)
	case OFB:
		cipher.NewOFB(c.block, iv).XORKeyStream(buf, buf)
	case CTR:
		cipher.NewCTR(c.block, iv).XORKeyStream(buf, buf)
	case CBCCTS:
		swapLastBlocks(buf, c.blockSize())
		cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(buf, buf)
	}
}

// swapLastBlocks exchanges the final two blocks, which is what ciphertext
// stealing reduces to when the data is a whole number of blocks.
func swapLastBlocks(buf []byte, bs int) {
	n := len(buf)
	a, b := buf[n-2*bs:n-bs], buf[n-bs:]
	for i := range a {
		a[i], b[i] = b[i], a[i]
	}
}

// keyCheckPlaintext is encrypted under the all-ones sector IV to detect a
// wrong key when a file is opened.
var keyCheckPlaintext = []byte{
	0xDB, 0x31, 0xB9, 0x1B, 0xD3, 0x1C, 0xFA, 0x3E, 0x84, 0x06, 0xC1, 0x42, 0xC3, 0xEC, 0xCD, 0x9A,
	0x02, 0x36, 0x22, 0x15, 0x58, 0x88, 0x74, 0x65, 0x00, 0x2F, 0x98, 0xBC, 0x69, 0x22, 0xE1, 0x63,
}

// keyCheck returns the key check value for the file IV. It always uses CBC.
func (c *sectorCipher) keyCheck(iv []byte) []byte {
	out := slices.Clone(keyCheckPlaintext[:min(len(keyCheckPlaintext), c.blockSize())])
	cipher.NewCBCEncrypter(c.block, sectorIV(iv, ^uint64(0))).CryptBlocks(out, out)
	return out
}
