package odoo

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/matheus3301/erpchat/internal/store"
)

// dateLayout is the backend's datetime format, always UTC.
const dateLayout = "2006-01-02 15:04:05"

// Normalize converts one mail.message record into the canonical message shape.
// The backend uses false for empty values and sends author_id either as an
// [id, "name"] pair or a bare id.
func Normalize(raw map[string]any) (*store.Message, error) {
	id, ok := asInt64(raw["id"])
	if !ok || id <= 0 {
		return nil, &ParseError{Field: "id", Value: raw["id"], Reason: "expected positive integer"}
	}

	authorID, authorName, err := parseAuthor(raw["author_id"])
	if err != nil {
		return nil, err
	}

	ts, err := parseDate(raw["date"])
	if err != nil {
		return nil, err
	}

	body, err := optString("body", raw["body"])
	if err != nil {
		return nil, err
	}
	subject, err := optString("subject", raw["subject"])
	if err != nil {
		return nil, err
	}

	m := &store.Message{
		ServerID:   id,
		AuthorID:   authorID,
		AuthorName: authorName,
		Body:       HTMLToText(body),
		Subject:    subject,
		MediaType:  store.MediaText,
		Timestamp:  ts,
		SyncStatus: store.StatusSynced,
	}

	if model, _ := raw["model"].(string); model == channelModel {
		if resID, ok := asInt64(raw["res_id"]); ok {
			m.ChannelID = resID
		}
	}

	if err := parseAttachments(raw["attachment_ids"], m); err != nil {
		return nil, err
	}
	return m, nil
}

// NormalizeChannel converts one discuss.channel record. The backend's "chat"
// type is a one-to-one conversation; every other type is treated as a group.
func NormalizeChannel(raw map[string]any) (*store.Channel, error) {
	id, ok := asInt64(raw["id"])
	if !ok || id <= 0 {
		return nil, &ParseError{Field: "channel.id", Value: raw["id"], Reason: "expected positive integer"}
	}
	name, err := optString("channel.name", raw["name"])
	if err != nil {
		return nil, err
	}
	ch := &store.Channel{ID: id, Name: name, Type: store.ChannelGroup}
	if t, _ := raw["channel_type"].(string); t == "chat" {
		ch.Type = store.ChannelDirect
	}
	if n, ok := asInt64(raw["member_count"]); ok {
		ch.MemberCount = int(n)
	}
	return ch, nil
}

// HTMLToText decodes an HTML message body into plain text. Entities are
// decoded, <br> and block ends become newlines, and each line is trimmed.
func HTMLToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return strings.TrimSpace(html.UnescapeString(s))
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			if n.DataAtom == atom.Br {
				b.WriteByte('\n')
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			b.WriteByte('\n')
		}
	}
	for _, n := range nodes {
		walk(n)
	}

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Li, atom.Blockquote, atom.Pre, atom.Tr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func parseAuthor(v any) (int64, string, error) {
	switch a := v.(type) {
	case nil, bool:
		if b, ok := a.(bool); ok && b {
			break
		}
		return 0, "", nil
	case []any:
		if len(a) == 0 {
			return 0, "", nil
		}
		id, ok := asInt64(a[0])
		if !ok {
			break
		}
		var name string
		if len(a) > 1 {
			name, _ = a[1].(string)
		}
		return id, name, nil
	default:
		if id, ok := asInt64(a); ok {
			return id, "", nil
		}
	}
	return 0, "", &ParseError{Field: "author_id", Value: v, Reason: "expected [id, name], id or false"}
}

func parseDate(v any) (int64, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, &ParseError{Field: "date", Value: v, Reason: "expected datetime string"}
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		// Bus payloads may carry ISO timestamps.
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2.UnixMilli(), nil
		}
		return 0, &ParseError{Field: "date", Value: v, Reason: err.Error()}
	}
	return t.UnixMilli(), nil
}

func parseAttachments(v any, m *store.Message) error {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		if v == nil || v == false || ok {
			return nil
		}
		return &ParseError{Field: "attachment_ids", Value: v, Reason: "expected list"}
	}
	switch a := list[0].(type) {
	case map[string]any:
		mime, _ := a["mimetype"].(string)
		m.MediaType = mediaTypeFor(mime)
		m.Media.MimeType = mime
		if size, ok := asInt64(a["file_size"]); ok {
			m.Media.Size = size
		}
		if id, ok := asInt64(a["id"]); ok {
			m.Media.RemoteURL = fmt.Sprintf("/web/content/%d", id)
		}
	default:
		id, ok := asInt64(a)
		if !ok {
			return &ParseError{Field: "attachment_ids[0]", Value: a, Reason: "expected id or record"}
		}
		m.MediaType = store.MediaDocument
		m.Media.RemoteURL = fmt.Sprintf("/web/content/%d", id)
	}
	return nil
}

func mediaTypeFor(mime string) store.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return store.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return store.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return store.MediaAudio
	}
	return store.MediaDocument
}

func optString(field string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case bool:
		if !s {
			return "", nil
		}
	case string:
		return s, nil
	}
	return "", &ParseError{Field: field, Value: v, Reason: "expected string or false"}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
