// Package testkeys hands out RSA keys generated once per test binary, so
// tests that rotate many times do not pay for fresh 4096-bit keys.
package testkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
)

const (
	poolSize = 4
	bits     = 2048
)

var (
	once sync.Once
	pool []*rsa.PrivateKey
)

func keys() []*rsa.PrivateKey {
	once.Do(func() {
		for rangeIdx := 0; rangeIdx < poolSize; rangeIdx++ {
			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				panic(err)
			}
			pool = append(pool, key)
		}
	})

	return pool
}

// Key returns the i-th pooled key, wrapping around the pool.
func Key(i int) *rsa.PrivateKey {
	all := keys()
	return all[i%len(all)]
}

// Generator cycles through the pool. It satisfies krot.KeyGenerator.
type Generator struct {
	mutex sync.Mutex
	next  int
	calls int
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Generate() (*rsa.PrivateKey, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	key := Key(g.next)
	g.next++
	g.calls++

	return key, nil
}

// Calls returns how many keys were handed out.
func (g *Generator) Calls() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.calls
}
