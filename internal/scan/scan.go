// Package scan decodes every function of an image into chains, in parallel.
package scan

import (
	"cmp"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
	"slices"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"ropkit/internal/chain"
	"ropkit/internal/chunk"
	"ropkit/internal/disasm"
	"ropkit/internal/elfx"
)

// ErrNoFunction is returned by Chain when the name does not resolve to
// function bytes.
var ErrNoFunction = errors.New("function not found")

// Image is the part of an image the scanner reads.
type Image interface {
	Symbols() ([]elfx.Symbol, error)
	SymbolChunk(sym elfx.Symbol) (chunk.Chunk, bool)
	FunctionChunk(name string) (chunk.Chunk, bool)
	FunctionOffset(name string) uint64
	Bytes(c chunk.Chunk) []byte
}

// Options configures a Scanner. Zero values pick defaults.
type Options struct {
	// Workers bounds the number of concurrent decodes. Default GOMAXPROCS.
	Workers int
	// CacheSize bounds the number of decoded functions kept for Chain.
	// Default 256.
	CacheSize int
	Logger    *log.Logger
}

// Result is the outcome of decoding one function.
type Result struct {
	Name      string
	Demangled string
	Addr      uint64
	Size      uint64
	Chain     chain.Chain
	Err       error
}

// Scanner decodes function symbols of one image.
type Scanner struct {
	im      Image
	dec     disasm.Decoder
	workers int
	log     *log.Logger
	cache   *lru.Cache[string, decoded]
}

// decoded is a cached decode. Chains handed out are built from it and owned
// by the caller.
type decoded struct {
	addr  uint64
	insts disasm.Stream
}

// New returns a scanner over im.
func New(im Image, dec disasm.Decoder, opts Options) (*Scanner, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	cache, err := lru.New[string, decoded](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("chain cache: %w", err)
	}
	return &Scanner{
		im:      im,
		dec:     dec,
		workers: opts.Workers,
		log:     opts.Logger.WithPrefix("scan"),
		cache:   cache,
	}, nil
}

// functions lists the defined, non-empty function symbols, one per name.
func (s *Scanner) functions() ([]elfx.Symbol, error) {
	syms, err := s.im.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	funcs := lo.Filter(syms, func(sym elfx.Symbol, _ int) bool {
		return sym.Type == elf.STT_FUNC && sym.Defined() && sym.Size > 0 && sym.Name != ""
	})
	return lo.UniqBy(funcs, func(sym elfx.Symbol) string { return sym.Name }), nil
}

// Functions decodes every function whose bytes can be located. Decode
// failures are reported per result; only cancellation and unreadable symbol
// tables fail the scan. Results are ordered by address.
func (s *Scanner) Functions(ctx context.Context) ([]Result, error) {
	funcs, err := s.functions()
	if err != nil {
		return nil, err
	}
	s.log.Debug("scanning", "functions", len(funcs), "workers", s.workers)

	results := make([]*Result, len(funcs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, sym := range funcs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = s.decode(sym)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := lo.FilterMap(results, func(r *Result, _ int) (Result, bool) {
		if r == nil {
			return Result{}, false
		}
		return *r, true
	})
	slices.SortFunc(out, func(a, b Result) int {
		return cmp.Or(cmp.Compare(a.Addr, b.Addr), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

func (s *Scanner) decode(sym elfx.Symbol) *Result {
	c, ok := s.im.SymbolChunk(sym)
	if !ok {
		s.log.Debug("no bytes for function", "func", sym.Name, "addr", fmt.Sprintf("%#x", sym.Value))
		return nil
	}
	r := &Result{Name: sym.Name, Demangled: sym.Demangled, Addr: sym.Value, Size: sym.Size}
	r.Chain, r.Err = chain.FromBytes(s.dec, sym.Value, s.im.Bytes(c))
	if r.Err != nil {
		s.log.Debug("decode failed", "func", sym.Name, "err", r.Err)
		return r
	}
	s.cache.Add(sym.Name, decoded{addr: sym.Value, insts: r.Chain.Instructions()})
	return r
}

// Chain returns a new chain of the named function. Decodes are cached, so
// repeated calls do not decode again; each returned chain is independent and
// may be mutated or closed by the caller.
func (s *Scanner) Chain(name string) (chain.Chain, error) {
	if d, ok := s.cache.Get(name); ok {
		return chain.FromInstructions(s.dec, d.addr, d.insts)
	}
	c, ok := s.im.FunctionChunk(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNoFunction)
	}
	ch, err := chain.FromBytes(s.dec, s.im.FunctionOffset(name), s.im.Bytes(c))
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", name, err)
	}
	s.cache.Add(name, decoded{addr: ch.Address(), insts: ch.Instructions()})
	return ch, nil
}

// Cached reports how many decodes the cache holds.
func (s *Scanner) Cached() int {
	return s.cache.Len()
}
