package construct

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonforge/assetcache/assets/heap"
	"github.com/talonforge/assetcache/assets/marker"
	"github.com/talonforge/assetcache/assets/textfmt"
)

type memFS struct{ files map[string][]byte }

func (m memFS) ReadFile(path string) ([]byte, error) {
	b, ok := m.files[path]
	if !ok {
		return nil, errors.New("not found: " + path)
	}
	return b, nil
}
func (m memFS) Exists(path string) bool { _, ok := m.files[path]; return ok }

func waitFor[T any](t *testing.T, f marker.Future[T]) (T, error) {
	t.Helper()
	select {
	case <-f.Done():
		v, state, err := f.Poll()
		if state == marker.Invalid {
			return v, err
		}
		return v, nil
	case <-time.After(time.Second):
		t.Fatal("construct dispatch timed out")
	}
	var zero T
	return zero, nil
}

func TestDispatchDirect(t *testing.T) {
	pool := heap.NewPool(2)
	promise, future := marker.NewPromise[int]()
	Dispatch(pool, promise, Context{Initializer: "five"}, Descriptor[int]{
		Kind:   Direct,
		Direct: func(ctx Context) (int, error) { return 5, nil },
	})
	v, err := waitFor(t, future)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestDispatchDirectFailureCapturedNotPropagated(t *testing.T) {
	pool := heap.NewPool(2)
	promise, future := marker.NewPromise[int]()
	Dispatch(pool, promise, Context{Initializer: "fails"}, Descriptor[int]{
		Kind:   Direct,
		Direct: func(ctx Context) (int, error) { return 0, errors.New("boom") },
	})
	_, err := waitFor(t, future)
	require.Error(t, err)
	var ce *marker.ConstructionError
	assert.ErrorAs(t, err, &ce)
}

func TestDispatchUserOverridePanicIsSuppressed(t *testing.T) {
	pool := heap.NewPool(2)
	promise, future := marker.NewPromise[int]()
	Dispatch(pool, promise, Context{Initializer: "override"}, Descriptor[int]{
		Kind: UserOverride,
		UserOverride: func(ctx Context, p *marker.Promise[int]) {
			panic("override exploded before fulfilling its promise")
		},
	})

	select {
	case <-future.Done():
		t.Fatal("promise should remain unfulfilled when the override panics without setting it")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDispatchTextDocument(t *testing.T) {
	pool := heap.NewPool(2)
	fs := memFS{files: map[string][]byte{"door.txt": []byte("Name door\n")}}
	promise, future := marker.NewPromise[string]()
	Dispatch(pool, promise, Context{Initializer: "door", FileName: "door.txt", FS: fs}, Descriptor[string]{
		Kind: TextDocument,
		TextDocument: func(ctx Context, f *textfmt.Formatter) (string, error) {
			_, _ = f.TryKeyedItem()
			v, _ := f.TryStringValue()
			return v, nil
		},
	})
	v, err := waitFor(t, future)
	require.NoError(t, err)
	assert.Equal(t, "door", v)
}

func TestDispatchTextDocumentMissingFile(t *testing.T) {
	pool := heap.NewPool(2)
	fs := memFS{files: map[string][]byte{}}
	promise, future := marker.NewPromise[string]()
	Dispatch(pool, promise, Context{Initializer: "missing", FileName: "nope.txt", FS: fs}, Descriptor[string]{
		Kind: TextDocument,
		TextDocument: func(ctx Context, f *textfmt.Formatter) (string, error) {
			t.Fatal("should not reach the constructor body")
			return "", nil
		},
	})
	_, err := waitFor(t, future)
	require.Error(t, err)
	var ce *marker.ConstructionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, marker.ReasonMissingFile, ce.Reason)
}

func TestDispatchChunkedRequestsAssembles(t *testing.T) {
	pool := heap.NewPool(2)
	fs := memFS{files: map[string][]byte{"a.bin": []byte("AA"), "b.bin": []byte("BB")}}
	promise, future := marker.NewPromise[string]()
	Dispatch(pool, promise, Context{Initializer: "chunks", FS: fs}, Descriptor[string]{
		Kind: ChunkedRequests,
		Requests: func(ctx Context) []ChunkRequest {
			return []ChunkRequest{{Path: "a.bin"}, {Path: "b.bin"}}
		},
		FromChunks: func(ctx Context, chunks [][]byte) (string, error) {
			return string(chunks[0]) + string(chunks[1]), nil
		},
	})
	v, err := waitFor(t, future)
	require.NoError(t, err)
	assert.Equal(t, "AABB", v)
}

type fakeCompiler struct {
	calls    int
	artifact *Artifact
	ready    chan struct{}
}

func (c *fakeCompiler) RequestArtifact(processType, initializer string) (*Artifact, <-chan struct{}, error) {
	c.calls++
	if c.artifact == nil {
		return nil, c.ready, nil
	}
	return c.artifact, nil, nil
}

func TestDispatchCompilerBackedWaitsThenReenters(t *testing.T) {
	pool := heap.NewPool(2)
	ready := make(chan struct{})
	compiler := &fakeCompiler{ready: ready}

	promise, future := marker.NewPromise[string]()
	Dispatch(pool, promise, Context{Initializer: "compiled", Compiler: compiler}, Descriptor[string]{
		Kind:               CompilerBacked,
		CompileProcessType: "shader",
		FromArtifact: func(ctx Context, a Artifact) (string, error) {
			return string(a.Value), nil
		},
	})

	time.Sleep(10 * time.Millisecond)
	compiler.artifact = &Artifact{Value: []byte("compiled-bytes"), State: marker.Ready}
	close(ready)

	v, err := waitFor(t, future)
	require.NoError(t, err)
	assert.Equal(t, "compiled-bytes", v)
	assert.GreaterOrEqual(t, compiler.calls, 2)
}
