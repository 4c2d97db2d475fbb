package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLSink_ConcurrentWritesStayWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "gold.jsonl")
	sink, err := OpenJSONLSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Write(map[string]any{"id": fmt.Sprintf("r%d", i), "note": "<b>&</b>"}))
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	seen := map[string]bool{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var doc map[string]string
		require.NoError(t, json.Unmarshal(sc.Bytes(), &doc), sc.Text())
		seen[doc["id"]] = true
		assert.Contains(t, sc.Text(), "<b>&</b>", "HTML is not escaped")
	}
	require.NoError(t, sc.Err())
	assert.Len(t, seen, 50)
}

func TestJSONLSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.jsonl")

	for _, id := range []string{"a", "b"} {
		sink, err := OpenJSONLSink(path)
		require.NoError(t, err)
		require.NoError(t, sink.Write(map[string]string{"id": id}))
		require.NoError(t, sink.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"a\"}\n{\"id\":\"b\"}\n", string(data))
}

func TestJSONLSink_UnencodableValue(t *testing.T) {
	sink, err := OpenJSONLSink(filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, err)
	defer sink.Close() //nolint:errcheck

	assert.Error(t, sink.Write(map[string]any{"ch": make(chan int)}))
}

func TestMemorySink(t *testing.T) {
	s := &MemorySink{}
	require.NoError(t, s.Write(map[string]int{"n": 1}))
	require.NoError(t, s.Write(map[string]int{"n": 2}))

	lines := s.Lines()
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"n":2}`, string(lines[1]))
	assert.NoError(t, s.Close())
}
