package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/remotefs/remotefs/pkg/rferrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(DefaultConfig(srv.URL), nil), srv
}

func TestListParsesRows(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("relPath") != "./a" {
			t.Errorf("relPath = %q", r.URL.Query().Get("relPath"))
		}
		fmt.Fprint(w, `[{"path":"./a/b","name":"b","parent":"./a","is_dir":false,"size":10,"mtime":1700000000,"permissions":"644","version":1}]`)
	})

	rows, err := c.List(context.Background(), "./a")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "b" || rows[0].Size != 10 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Mode != 0o644 {
		t.Errorf("expected mode 0o644 from octal string \"644\", got %#o", rows[0].Mode)
	}
	if rows[0].Nlink != 1 {
		t.Errorf("expected default nlink 1 for file, got %d", rows[0].Nlink)
	}
}

func TestListMissingNlinkDefaultsByKind(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"path":"./d","name":"d","is_dir":true,"size":0,"mtime":0,"permissions":"755"}]`)
	})
	rows, err := c.List(context.Background(), ".")
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Nlink != 2 {
		t.Errorf("expected default nlink 2 for dir, got %d", rows[0].Nlink)
	}
}

func TestStatfsParsesDecimalStrings(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bsize":"4096","blocks":"1000000","bfree":"500000","bavail":"500000","files":"1000","ffree":"500"}`)
	})
	info, err := c.Statfs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Bsize != 4096 || info.Blocks != 1000000 {
		t.Fatalf("info = %+v", info)
	}
}

func TestStatNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.Stat(context.Background(), "./missing")
	var rfErr *rferrors.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if ok := asRfErr(err, &rfErr); !ok || rfErr.Code != rferrors.CodeNotFound {
		t.Fatalf("err = %v", err)
	}
}

func asRfErr(err error, target **rferrors.Error) bool {
	e, ok := err.(*rferrors.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestReadRangeHonorsRangeHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng != "bytes=2-5" {
			t.Errorf("Range header = %q", rng)
		}
		w.Header().Set("Content-Range", "bytes 2-5/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("BCDE"))
	})

	body, total, err := c.ReadRange(context.Background(), "./f", 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "BCDE" {
		t.Errorf("body = %q", data)
	}
	if total != 100 {
		t.Errorf("total = %d, want 100", total)
	}
}

func TestWriteAtStreamsBodyAndOffset(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "64" {
			t.Errorf("offset = %q", r.URL.Query().Get("offset"))
		}
		data, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, `{"message":"ok","written":%d}`, len(data))
	})

	n, err := c.WriteAt(context.Background(), "./f", 64, io.NopCloser(stringsReader("hello")))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("written = %d, want 5", n)
	}
}

func stringsReader(s string) io.Reader {
	return &simpleReader{data: []byte(s)}
}

type simpleReader struct {
	data []byte
	pos  int
}

func (r *simpleReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func TestChmodEncodesOctalPerm(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("perm") != "644" {
			t.Errorf("perm = %q", r.URL.Query().Get("perm"))
		}
	})
	if err := c.Chmod(context.Background(), "./f", 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMkdirConflict(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	err := c.Mkdir(context.Background(), "./d")
	var rfErr *rferrors.Error
	if !asRfErr(err, &rfErr) || rfErr.Code != rferrors.CodeAlreadyExists {
		t.Fatalf("err = %v", err)
	}
}

func TestRenamePassesBothPaths(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("oldRelPath") != "./a" || r.URL.Query().Get("newRelPath") != "./b" {
			t.Errorf("query = %v", r.URL.Query())
		}
	})
	if err := c.Rename(context.Background(), "./a", "./b"); err != nil {
		t.Fatal(err)
	}
}

func Test5xxRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	c.retryer = c.retryer.WithInitialDelay(1)
	_, err := c.List(context.Background(), ".")
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
