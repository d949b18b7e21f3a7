// Package indexer 将原始 RFC 5322 字节解析为入库所需的投影：
// MIME 树、信封、索引头部、正文截断与附件剥离。
package indexer

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
)

const (
	// MaxPlaintextContent 纯文本正文的入库上限
	MaxPlaintextContent = 100 * 1024
	// MaxHTMLContent 全部 HTML 片段累计的入库上限
	MaxHTMLContent = 300 * 1024
	// MaxIntroLength 预览文本的最大字符数
	MaxIntroLength = 128

	maxHeaderValueBytes = 880
	maxHeaderKeyBytes   = 255
)

// defaultIndexedHeaders 默认参与索引的头部键。
var defaultIndexedHeaders = map[string]bool{
	"to":           true,
	"cc":           true,
	"subject":      true,
	"from":         true,
	"sender":       true,
	"reply-to":     true,
	"message-id":   true,
	"thread-index": true,
}

// Prepared 表示一封消息的完整解析结果。
type Prepared struct {
	MimeTree      *domain.MimeTree
	Size          int64
	BodyStructure string
	Envelope      *domain.Envelope
	Headers       []domain.Header
	Text          string
	Intro         string
	HTML          []string
	Attachments   []*domain.Attachment
	Magic         int32
	IDate         time.Time
	HDate         time.Time
	MsgID         string
	Subject       string // 归一化后的主题
	References    []string
	InReplyTo     string
	ThreadIndex   string
}

// Options 控制解析行为。
type Options struct {
	IDate        time.Time // 内部时间，零值取当前时间
	ExtraHeaders []string  // 额外参与索引的头部键
}

// Prepare 解析原始消息字节。
func Prepare(raw []byte, opts Options) (*Prepared, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	idate := opts.IDate
	if idate.IsZero() {
		idate = time.Now().UTC()
	}

	p := &Prepared{
		Size:  int64(len(raw)),
		Magic: newMagic(),
		IDate: idate,
	}

	// Date: 头，缺失或无法解析时回退内部时间
	p.HDate = idate
	if hd, err := msg.Header.Date(); err == nil {
		p.HDate = hd.UTC()
	}

	// Message-Id，缺失时生成 UUID 包装
	p.MsgID = strings.TrimSpace(msg.Header.Get("Message-Id"))
	if p.MsgID == "" {
		p.MsgID = "<" + uuid.NewString() + "@mailer.local>"
	}

	p.Subject = NormalizeSubject(decodeHeader(msg.Header.Get("Subject")))
	p.InReplyTo = strings.TrimSpace(msg.Header.Get("In-Reply-To"))
	p.ThreadIndex = strings.TrimSpace(msg.Header.Get("Thread-Index"))
	if refs := strings.Fields(msg.Header.Get("References")); len(refs) > 0 {
		p.References = refs
	}

	p.Envelope = buildEnvelope(msg.Header, p.HDate, p.MsgID)
	p.Headers = projectHeaders(msg.Header, opts.ExtraHeaders)

	root := &domain.MimeNode{ContentType: "text/plain"}
	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		p.appendText(string(body))
		root.Size = int64(len(body))
	} else if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		root.ContentType = mediaType
		mr := multipart.NewReader(msg.Body, boundary)
		if err := p.walkMultipart(mr, root); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
	} else {
		root.ContentType = mediaType
		root.Charset = params["charset"]
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		root.Size = int64(len(body))
		if strings.HasPrefix(mediaType, "text/html") {
			p.appendHTML(body)
		} else {
			p.appendText(body)
		}
	}

	p.MimeTree = &domain.MimeTree{Root: root, AttachmentMap: p.attachmentMap()}
	p.BodyStructure = buildBodyStructure(root)
	p.Intro = buildIntro(p.Text)
	p.Text = truncateText(p.Text)
	p.truncateHTML()

	return p, nil
}

// walkMultipart 递归解析多部分消息，剥离附件。
func (p *Prepared) walkMultipart(mr *multipart.Reader, parent *domain.MimeNode) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		node := &domain.MimeNode{
			ContentType: mediaType,
			Charset:     params["charset"],
			Encoding:    strings.ToLower(part.Header.Get("Content-Transfer-Encoding")),
		}
		parent.Children = append(parent.Children, node)

		// 附件判定：显式 disposition 或非文本部分
		disposition := part.Header.Get("Content-Disposition")
		dispType, dispParams, _ := mime.ParseMediaType(disposition)
		isAttachment := dispType == "attachment" ||
			(dispType == "inline" && !strings.HasPrefix(mediaType, "text/") && !strings.HasPrefix(mediaType, "multipart/"))
		if !isAttachment && disposition == "" &&
			!strings.HasPrefix(mediaType, "text/") && !strings.HasPrefix(mediaType, "multipart/") {
			isAttachment = true
		}

		if isAttachment {
			filename := dispParams["filename"]
			if filename == "" {
				filename = params["name"]
			}
			if filename == "" {
				filename = "unnamed"
			}
			filename = decodeHeader(filename)

			content, err := io.ReadAll(part)
			if err != nil {
				continue
			}
			if node.Encoding == "base64" {
				if decoded, err := base64.StdEncoding.DecodeString(string(content)); err == nil {
					content = decoded
				}
			}

			att := &domain.Attachment{
				ID:          fmt.Sprintf("ATT%05d", len(p.Attachments)+1),
				Filename:    filename,
				ContentType: mediaType,
				Hash:        hashContent(content),
				Size:        int64(len(content)),
				Content:     content,
			}
			p.Attachments = append(p.Attachments, att)

			node.Disposition = dispType
			node.Filename = filename
			node.Size = att.Size
			node.AttachmentID = att.ID
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				nested := multipart.NewReader(part, boundary)
				if err := p.walkMultipart(nested, node); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}
		node.Size = int64(len(body))

		if strings.HasPrefix(mediaType, "text/html") {
			p.appendHTML(body)
		} else if strings.HasPrefix(mediaType, "text/plain") {
			p.appendText(body)
		}
	}

	return nil
}

func (p *Prepared) appendText(body string) {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	if p.Text == "" {
		p.Text = body
	} else {
		p.Text += "\n" + body
	}
}

func (p *Prepared) appendHTML(body string) {
	p.HTML = append(p.HTML, body)
}

// truncateHTML 按累计字节预算截断 HTML 片段，超出预算的片段整体丢弃。
func (p *Prepared) truncateHTML() {
	budget := MaxHTMLContent
	out := p.HTML[:0]
	for _, h := range p.HTML {
		if len(h) > budget {
			break
		}
		out = append(out, h)
		budget -= len(h)
	}
	if len(out) == 0 {
		p.HTML = nil
	} else {
		p.HTML = out
	}
}

func (p *Prepared) attachmentMap() map[string]string {
	if len(p.Attachments) == 0 {
		return nil
	}
	m := make(map[string]string, len(p.Attachments))
	for _, att := range p.Attachments {
		m[att.ID] = att.Hash
	}
	return m
}

// truncateText 截断纯文本正文到入库上限（避免截断到 UTF-8 序列中间）。
func truncateText(text string) string {
	if len(text) <= MaxPlaintextContent {
		return text
	}
	cut := MaxPlaintextContent
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// buildIntro 生成预览文本：空白折叠后的前 128 个字符，
// 存在词边界时在词边界截断，截断时追加省略号。
func buildIntro(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= MaxIntroLength {
		return collapsed
	}
	prefix := string(runes[:MaxIntroLength])
	if idx := strings.LastIndexByte(prefix, ' '); idx > 0 {
		prefix = prefix[:idx]
	}
	return prefix + "…"
}

// projectHeaders 生成索引头部投影：键小写并限制在白名单内，
// 键值分别按字节上限截断。
func projectHeaders(h mail.Header, extras []string) []domain.Header {
	allowed := make(map[string]bool, len(defaultIndexedHeaders)+len(extras))
	for k := range defaultIndexedHeaders {
		allowed[k] = true
	}
	for _, k := range extras {
		allowed[strings.ToLower(k)] = true
	}

	out := make([]domain.Header, 0, 8)
	for key, values := range h {
		lower := strings.ToLower(key)
		if !allowed[lower] {
			continue
		}
		if len(lower) > maxHeaderKeyBytes {
			lower = lower[:maxHeaderKeyBytes]
		}
		for _, v := range values {
			v = decodeHeader(v)
			if len(v) > maxHeaderValueBytes {
				// 回退 4 字节，避免截断到 UTF-8 序列中间
				cut := maxHeaderValueBytes - 4
				for cut > 0 && !utf8.RuneStart(v[cut]) {
					cut--
				}
				v = v[:cut]
			}
			out = append(out, domain.Header{Key: lower, Value: v})
		}
	}
	return out
}

// NormalizeSubject 归一化主题：反复剥离回复/转发前缀并折叠空白。
func NormalizeSubject(subject string) string {
	s := strings.Join(strings.Fields(subject), " ")
	for {
		trimmed := strings.TrimSpace(s)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = trimmed[3:]
		case strings.HasPrefix(lower, "fwd:"):
			s = trimmed[4:]
		case strings.HasPrefix(lower, "fw:"):
			s = trimmed[3:]
		case strings.HasPrefix(lower, "(fwd)"):
			s = trimmed[5:]
		default:
			return trimmed
		}
	}
}

// buildEnvelope 构造 ENVELOPE 投影。
func buildEnvelope(h mail.Header, date time.Time, msgid string) *domain.Envelope {
	env := &domain.Envelope{
		Date:      date,
		Subject:   decodeHeader(h.Get("Subject")),
		MessageID: msgid,
		InReplyTo: strings.TrimSpace(h.Get("In-Reply-To")),
	}
	env.From = parseAddresses(h, "From")
	env.Sender = parseAddresses(h, "Sender")
	env.ReplyTo = parseAddresses(h, "Reply-To")
	env.To = parseAddresses(h, "To")
	env.Cc = parseAddresses(h, "Cc")
	env.Bcc = parseAddresses(h, "Bcc")
	return env
}

func parseAddresses(h mail.Header, key string) []domain.Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]domain.Address, 0, len(list))
	for _, a := range list {
		out = append(out, domain.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// buildBodyStructure 生成括号化的结构描述。
func buildBodyStructure(node *domain.MimeNode) string {
	if len(node.Children) == 0 {
		return node.ContentType
	}
	parts := make([]string, 0, len(node.Children))
	for _, c := range node.Children {
		parts = append(parts, buildBodyStructure(c))
	}
	return "(" + node.ContentType + " " + strings.Join(parts, " ") + ")"
}

// hashContent 计算附件内容哈希（存储键）。
func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// newMagic 生成每次投递的引用计数桶盐值。
func newMagic() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return int32(time.Now().UnixNano() & 0x7fffffff)
	}
	return int32(binary.BigEndian.Uint32(b[:]) & 0x7fffffff)
}

// decodeHeader 解码 RFC 2047 编码的头部值。
func decodeHeader(value string) string {
	dec := mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			if enc := charsetEncoding(strings.ToLower(charset)); enc != nil {
				return transform.NewReader(input, enc.NewDecoder()), nil
			}
			return input, nil
		},
	}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// decodeBody 根据传输编码与字符集解码消息体。
func decodeBody(reader io.Reader, transferEncoding, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader = reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	case "7bit", "8bit", "binary", "":
		decoded = reader
	default:
		// 未知编码，尝试直接读取
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// charsetEncoding 根据字符集名称返回编码器
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}
