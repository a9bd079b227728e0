package cache

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"
)

// Checksums remembers SHA-1 digests of local files and of remote files (as
// reported by sha1sum) so that transfers between equal files can be skipped.
type Checksums struct {
	mu     sync.RWMutex
	local  map[string]string
	remote map[string]string
}

func NewChecksums() *Checksums {
	return &Checksums{
		local:  make(map[string]string),
		remote: make(map[string]string),
	}
}

// UpdateLocal recomputes the digest of a local file. A file that cannot be
// read is forgotten so it never matches anything.
func (c *Checksums) UpdateLocal(path string) (string, error) {
	sum, err := FileSHA1(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.local, path)
		return "", err
	}
	c.local[path] = sum
	return sum, nil
}

func (c *Checksums) SetRemote(path, sum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sum == "" {
		delete(c.remote, path)
		return
	}
	c.remote[path] = sum
}

// UpdateRemote applies sha1sum output for path. Output that does not name
// path (missing file, error text) forgets the remote digest.
func (c *Checksums) UpdateRemote(path, sha1sumOutput string) string {
	sum := ParseSha1Sum(sha1sumOutput)[path]
	c.SetRemote(path, sum)
	return sum
}

func (c *Checksums) Local(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.local[path]
	return s, ok
}

func (c *Checksums) Remote(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.remote[path]
	return s, ok
}

// Match is true only when both digests are known and equal.
func (c *Checksums) Match(localPath, remotePath string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, lok := c.local[localPath]
	r, rok := c.remote[remotePath]
	return lok && rok && l == r
}

// Len returns the number of local and remote digests held.
func (c *Checksums) Len() (local, remote int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local), len(c.remote)
}

func FileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseSha1Sum reads "<digest>  <path>" lines into path -> digest.
func ParseSha1Sum(out string) map[string]string {
	res := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		ln := strings.TrimSpace(sc.Text())
		sum, p, ok := strings.Cut(ln, " ")
		if !ok || len(sum) != 40 {
			continue
		}
		// binary mode marks the path with '*'
		p = strings.TrimPrefix(strings.TrimLeft(p, " "), "*")
		if _, err := hex.DecodeString(sum); err != nil {
			continue
		}
		res[p] = strings.ToLower(sum)
	}
	return res
}
