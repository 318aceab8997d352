package mail

import (
	"context"
	"encoding/base64"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/newswatch/internal/news"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestRenderer(dir string) *Renderer {
	r := NewRenderer(dir)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestRenderer_SingleItem(t *testing.T) {
	r := newTestRenderer("")
	item := news.Item{Title: "Plant <closed>", URL: "https://example.com/x", Summary: "Bad news.", SentimentScore: -0.7}

	body, err := r.Render(KindSingleItem, []news.Item{item})
	require.NoError(t, err)
	assert.Contains(t, body, "Plant &lt;closed&gt;")
	assert.Contains(t, body, "https://example.com/x")
	assert.Contains(t, body, "-0.70")
	assert.Contains(t, body, unknownSource)
	assert.Contains(t, body, "2026-03-02 09:00:00")

	assert.Equal(t, "新闻提醒: Plant <closed>", r.Subject(KindSingleItem, []news.Item{item}))
}

func TestRenderer_DailyDigest(t *testing.T) {
	r := newTestRenderer("")
	items := []news.Item{
		{Title: "One", URL: "https://example.com/1", Source: "新华网"},
		{Title: "Two", URL: "https://example.com/2", Content: "Body two."},
	}

	body, err := r.Render(KindDailyDigest, items)
	require.NoError(t, err)
	assert.Contains(t, body, "每日新闻摘要 - 2026-03-02")
	assert.Contains(t, body, "One")
	assert.Contains(t, body, "Body two.")
	assert.Equal(t, "每日新闻摘要 - 2026-03-02", r.Subject(KindDailyDigest, items))
}

func TestRenderer_OverrideAndFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "single-item.html"), []byte("custom {{.Item.Title}}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daily-digest.html"), []byte("{{.Missing.Field}}"), 0o644))

	r := newTestRenderer(dir)

	body, err := r.Render(KindSingleItem, []news.Item{{Title: "T"}})
	require.NoError(t, err)
	assert.Equal(t, "custom T", body)

	_, err = r.Render(KindDailyDigest, nil)
	assert.Error(t, err)

	_, err = r.Render(KindSingleItem, nil)
	assert.Error(t, err)
}

func TestRenderer_Fallback(t *testing.T) {
	r := newTestRenderer("")

	body := r.Fallback(KindSingleItem, []news.Item{{Title: "<b>x</b>", Content: "Only content."}})
	assert.Contains(t, body, "<h1>&lt;b&gt;x&lt;/b&gt;</h1>")
	assert.Contains(t, body, "Only content.")
	assert.Contains(t, body, `<a href="#">`)

	digest := r.Fallback(KindDailyDigest, []news.Item{{Title: "a"}, {Title: "b"}})
	assert.Equal(t, 2, strings.Count(digest, "<hr>"))
	assert.Contains(t, digest, noContent)
}

// fakeSMTP accepts one session and returns the DATA payload.
func fakeSMTP(t *testing.T, rejectData bool) (string, <-chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 localhost ESMTP")
		var data string
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.Fields(line + " x")[0])
			switch cmd {
			case "EHLO", "HELO":
				tp.PrintfLine("250 localhost")
			case "MAIL", "RCPT":
				tp.PrintfLine("250 OK")
			case "DATA":
				tp.PrintfLine("354 go ahead")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				data = strings.Join(lines, "\n")
				if rejectData {
					tp.PrintfLine("554 rejected")
				} else {
					tp.PrintfLine("250 queued")
				}
			case "QUIT":
				tp.PrintfLine("221 bye")
				out <- data
				return
			default:
				tp.PrintfLine("502 unknown")
			}
		}
	}()
	return ln.Addr().String(), out
}

func transportFor(t *testing.T, addr string) *SMTPTransport {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := net.LookupPort("tcp", port)
	require.NoError(t, err)
	return NewSMTPTransport(SMTPConfig{Host: host, Port: p, From: "alerts@example.com", FromName: "Newswatch", Timeout: 2 * time.Second})
}

func TestSMTPTransport_Deliver(t *testing.T) {
	addr, out := fakeSMTP(t, false)
	tr := transportFor(t, addr)

	ok, err := tr.Deliver(context.Background(), []string{"a@example.com", "b@example.com"}, "新闻提醒: test", "<h1>hello</h1>")
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case data := <-out:
		assert.Contains(t, data, "To: a@example.com, b@example.com")
		assert.Contains(t, data, "Content-Type: text/html; charset=utf-8")
		assert.Contains(t, data, "=?utf-8?q?")

		parts := strings.SplitN(data, "\n\n", 2)
		require.Len(t, parts, 2)
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(parts[1], "\n", ""))
		require.NoError(t, err)
		assert.Equal(t, "<h1>hello</h1>", string(decoded))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSMTPTransport_Rejected(t *testing.T) {
	addr, _ := fakeSMTP(t, true)
	tr := transportFor(t, addr)

	ok, err := tr.Deliver(context.Background(), []string{"a@example.com"}, "s", "<p>x</p>")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestSMTPTransport_NoRecipients(t *testing.T) {
	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: 1})
	ok, err := tr.Deliver(context.Background(), nil, "s", "b")
	assert.Error(t, err)
	assert.False(t, ok)
}

