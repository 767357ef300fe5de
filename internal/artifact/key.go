package artifact

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 区分制品的两种形态：narinfo 元数据描述符与 nar 内容归档。
type Kind string

const (
	// KindNarInfo 表示元数据描述符（体积小，总是整体缓冲）。
	KindNarInfo Kind = "narinfo"
	// KindNar 表示内容归档（体积大，始终流式传输）。
	KindNar Kind = "nar"
)

// 合法的压缩后缀集合，与上游二进制缓存协议保持一致。
var compressionSuffixes = map[string]struct{}{
	"xz":   {},
	"bz2":  {},
	"zst":  {},
	"lz4":  {},
	"br":   {},
	"gz":   {},
	"none": {},
}

// ErrInvalidPath 表示请求路径无法解析为合法的制品键。
var ErrInvalidPath = errors.New("invalid artifact path")

// Key 唯一标识一个内容寻址制品。Key 不可变，可直接作为 map 键使用。
type Key struct {
	Hash        string
	Kind        Kind
	Compression string // 仅对 KindNar 有意义，空串表示未压缩
}

// ParsePath parses a request path of the form "<hash>.narinfo" or
// "nar/<hash>.nar[.<compression>]" into a Key. The leading slash is
// optional. Anything else fails with ErrInvalidPath.
func ParsePath(path string) (Key, error) {
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return Key{}, ErrInvalidPath
	}

	if rest, ok := strings.CutPrefix(p, "nar/"); ok {
		return parseNarPath(rest)
	}

	hash, ok := strings.CutSuffix(p, ".narinfo")
	if !ok || !isNixBase32Hash(hash) {
		return Key{}, ErrInvalidPath
	}
	return Key{Hash: hash, Kind: KindNarInfo}, nil
}

func parseNarPath(rest string) (Key, error) {
	if strings.Contains(rest, "/") {
		return Key{}, ErrInvalidPath
	}

	idx := strings.Index(rest, ".nar")
	if idx < 0 {
		return Key{}, ErrInvalidPath
	}

	hash := rest[:idx]
	compression := ""
	if suffix := rest[idx+len(".nar"):]; suffix != "" {
		comp, ok := strings.CutPrefix(suffix, ".")
		if !ok {
			return Key{}, ErrInvalidPath
		}
		if _, valid := compressionSuffixes[comp]; !valid {
			return Key{}, ErrInvalidPath
		}
		compression = comp
	}

	if !isNixBase32Hash(hash) {
		return Key{}, ErrInvalidPath
	}
	return Key{Hash: hash, Kind: KindNar, Compression: compression}, nil
}

// RequestPath 还原用于访问上游的相对路径（不带前导斜杠）。
func (k Key) RequestPath() string {
	if k.Kind == KindNarInfo {
		return k.Hash + ".narinfo"
	}
	if k.Compression != "" {
		return fmt.Sprintf("nar/%s.nar.%s", k.Hash, k.Compression)
	}
	return "nar/" + k.Hash + ".nar"
}

// String returns the canonical, totally ordered form used as a map key
// by the coalescing table. Distinct keys never collide because the kind
// segment separates the two namespaces.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.RequestPath()
}

// IsMetadata 报告该制品是否为元数据描述符。
func (k Key) IsMetadata() bool {
	return k.Kind == KindNarInfo
}

// ContentType 返回响应应使用的 MIME 类型。
func (k Key) ContentType() string {
	if k.Kind == KindNarInfo {
		return "text/x-nix-narinfo"
	}
	return "application/x-nix-nar"
}

// isNixBase32Hash 校验 nix base32 字符集（不含 e/o/u/t），长度为
// 32（store path 哈希）或 52（nar 文件哈希）。
func isNixBase32Hash(s string) bool {
	if len(s) != 32 && len(s) != 52 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'd':
		case r >= 'f' && r <= 'n':
		case r >= 'p' && r <= 's':
		case r >= 'v' && r <= 'z':
		default:
			return false
		}
	}
	return true
}
