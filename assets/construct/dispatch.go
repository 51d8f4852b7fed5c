// Package construct implements auto-construct dispatch (spec.md §4.6): for
// a requested type T, pick one of the six constructor paths and run it on
// the long-task pool, capturing failures into the promise rather than
// letting them propagate across goroutines.
package construct

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/talonforge/assetcache/assets/compound"
	"github.com/talonforge/assetcache/assets/heap"
	"github.com/talonforge/assetcache/assets/marker"
	"github.com/talonforge/assetcache/assets/textfmt"
)

var log = logrus.WithField("prefix", "construct")

// Kind selects which of the six constructor paths a Descriptor uses. The
// original selects a path via compile-time trait detection on T; here the
// caller states it directly on the Descriptor, re-expressed as a
// registration-table entry per SPEC_FULL.md §5.6.
type Kind int

const (
	// Direct calls Descriptor.Direct(ctx) with no further collaborators.
	Direct Kind = iota
	// UserOverride hands the raw promise to Descriptor.UserOverride, which
	// is responsible for fulfilling it itself.
	UserOverride
	// TextDocument opens ctx.FileName, tokenizes it, and calls
	// Descriptor.TextDocument with the resulting formatter.
	TextDocument
	// ChunkContainer opens ctx.FileName as a chunk file and calls
	// Descriptor.FromChunkContainer with it.
	ChunkContainer
	// ChunkedRequests asks Descriptor.Requests for a set of named chunks,
	// reads each via ctx.FS, then calls Descriptor.FromChunks to assemble.
	ChunkedRequests
	// CompilerBacked asks ctx.Compiler for an artifact of
	// Descriptor.CompileProcessType, waiting on the returned signal if the
	// artifact isn't immediately available, then re-enters dispatch via
	// Descriptor.FromArtifact.
	CompilerBacked
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case UserOverride:
		return "user-override"
	case TextDocument:
		return "text-document"
	case ChunkContainer:
		return "chunk-container"
	case ChunkedRequests:
		return "chunked-requests"
	case CompilerBacked:
		return "compiler-backed"
	default:
		return "unknown"
	}
}

// FileSystem is the pure-consumer surface of spec.md §6: open/read/stat,
// nothing more.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	Exists(path string) bool
}

// ChunkRequest names one chunk a ChunkedRequests constructor needs pulled
// from ctx.FS before assembly.
type ChunkRequest struct {
	Path string
}

// Artifact is what the intermediate compiler hands back (spec.md §6): a
// built blob plus its own dep-val and terminal state.
type Artifact struct {
	Value  []byte
	DepVal marker.DepValHandle
	State  marker.State
}

// Compiler is the out-of-band intermediate-compiler contract (spec.md §6).
// RequestArtifact first tries the sync fast path: if the artifact already
// exists it is returned immediately with a nil channel. Otherwise it
// returns a nil artifact and a channel that closes once the
// ArtifactCollectionFuture resolves; the caller must call RequestArtifact
// again at that point.
type Compiler interface {
	RequestArtifact(compileProcessType, initializer string) (*Artifact, <-chan struct{}, error)
}

// Context carries everything a constructor path might need. Not every
// field is populated for every Kind.
type Context struct {
	Initializer string
	FileName    string
	SearchRules *compound.SearchRules
	DepVal      marker.DepValHandle
	FS          FileSystem
	Compiler    Compiler
}

// Descriptor registers the constructor functions for one type T. Exactly
// the fields matching Kind are consulted.
type Descriptor[T any] struct {
	Kind Kind

	Direct       func(ctx Context) (T, error)
	UserOverride func(ctx Context, promise *marker.Promise[T])
	TextDocument func(ctx Context, f *textfmt.Formatter) (T, error)

	FromChunkContainer func(ctx Context, blob []byte) (T, error)

	Requests  func(ctx Context) []ChunkRequest
	FromChunks func(ctx Context, chunks [][]byte) (T, error)

	CompileProcessType string
	FromArtifact       func(ctx Context, artifact Artifact) (T, error)
}

// Dispatch runs d's constructor path for ctx on pool, fulfilling promise
// exactly once. It never blocks the caller beyond acquiring a pool slot.
func Dispatch[T any](pool *heap.Pool, promise *marker.Promise[T], ctx Context, d Descriptor[T]) {
	pool.Go(func() {
		run(promise, ctx, d)
	})
}

func run[T any](promise *marker.Promise[T], ctx Context, d Descriptor[T]) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("initializer", ctx.Initializer).WithField("kind", d.Kind).
				Errorf("auto-construct panicked: %v", r)
			_ = promise.SetError(marker.NewConstructionError(marker.ReasonUnknown, ctx.DepVal, fmt.Sprintf("panic: %v", r)))
		}
	}()

	switch d.Kind {
	case Direct:
		v, err := d.Direct(ctx)
		complete(promise, ctx, v, err)

	case UserOverride:
		runOverride(promise, ctx, d)

	case TextDocument:
		v, err := dispatchTextDocument(ctx, d)
		complete(promise, ctx, v, err)

	case ChunkContainer:
		v, err := dispatchChunkContainer(ctx, d)
		complete(promise, ctx, v, err)

	case ChunkedRequests:
		v, err := dispatchChunkedRequests(ctx, d)
		complete(promise, ctx, v, err)

	case CompilerBacked:
		v, err := dispatchCompilerBacked(ctx, d)
		complete(promise, ctx, v, err)

	default:
		complete[T](promise, ctx, *new(T), fmt.Errorf("construct: unknown dispatch kind %d", d.Kind))
	}
}

// runOverride isolates the user override's own panic recovery: an override
// that panics instead of fulfilling the promise is logged and suppressed,
// per spec.md §4.6 and §7 ("exceptions thrown by user overrides on
// promises are logged and suppressed; the override is required to fulfill
// its own promise").
func runOverride[T any](promise *marker.Promise[T], ctx Context, d Descriptor[T]) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("initializer", ctx.Initializer).
				Warnf("user override panicked without fulfilling its promise: %v", r)
		}
	}()
	d.UserOverride(ctx, promise)
}

func dispatchTextDocument[T any](ctx Context, d Descriptor[T]) (T, error) {
	var zero T
	if ctx.FS == nil {
		return zero, marker.NewConstructionError(marker.ReasonMissingFile, ctx.DepVal, "no file system collaborator configured")
	}
	blob, err := ctx.FS.ReadFile(ctx.FileName)
	if err != nil {
		return zero, marker.NewConstructionError(marker.ReasonMissingFile, ctx.DepVal, err.Error())
	}
	f, err := textfmt.New(string(blob))
	if err != nil {
		return zero, marker.NewConstructionError(marker.ReasonFormatNotUnderstood, ctx.DepVal, err.Error())
	}
	return d.TextDocument(ctx, f)
}

func dispatchChunkContainer[T any](ctx Context, d Descriptor[T]) (T, error) {
	var zero T
	if ctx.FS == nil {
		return zero, marker.NewConstructionError(marker.ReasonMissingFile, ctx.DepVal, "no file system collaborator configured")
	}
	blob, err := ctx.FS.ReadFile(ctx.FileName)
	if err != nil {
		return zero, marker.NewConstructionError(marker.ReasonMissingFile, ctx.DepVal, err.Error())
	}
	return d.FromChunkContainer(ctx, blob)
}

func dispatchChunkedRequests[T any](ctx Context, d Descriptor[T]) (T, error) {
	var zero T
	if ctx.FS == nil {
		return zero, marker.NewConstructionError(marker.ReasonMissingFile, ctx.DepVal, "no file system collaborator configured")
	}
	requests := d.Requests(ctx)
	chunks := make([][]byte, len(requests))
	for i, r := range requests {
		blob, err := ctx.FS.ReadFile(r.Path)
		if err != nil {
			return zero, marker.NewConstructionError(marker.ReasonMissingFile, ctx.DepVal, err.Error())
		}
		chunks[i] = blob
	}
	return d.FromChunks(ctx, chunks)
}

func dispatchCompilerBacked[T any](ctx Context, d Descriptor[T]) (T, error) {
	var zero T
	if ctx.Compiler == nil {
		return zero, marker.NewConstructionError(marker.ReasonMissingFile, ctx.DepVal, "no compiler collaborator configured")
	}
	for {
		artifact, wait, err := ctx.Compiler.RequestArtifact(d.CompileProcessType, ctx.Initializer)
		if err != nil {
			return zero, marker.NewConstructionError(marker.ReasonUnknown, ctx.DepVal, err.Error())
		}
		if artifact == nil {
			<-wait
			continue
		}
		if artifact.State == marker.Invalid {
			return zero, marker.NewConstructionError(marker.ReasonFormatNotUnderstood, artifact.DepVal, "compiler artifact invalid")
		}
		return d.FromArtifact(ctx, *artifact)
	}
}

func complete[T any](promise *marker.Promise[T], ctx Context, v T, err error) {
	if err != nil {
		ce, ok := err.(*marker.ConstructionError)
		if !ok {
			ce = marker.NewConstructionError(marker.ReasonFormatNotUnderstood, ctx.DepVal, err.Error())
		}
		if serr := promise.SetError(ce); serr != nil {
			log.WithField("initializer", ctx.Initializer).Warn(serr)
		}
		return
	}
	if serr := promise.SetValue(v); serr != nil {
		log.WithField("initializer", ctx.Initializer).Warn(serr)
	}
}
