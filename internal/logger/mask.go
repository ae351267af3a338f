package logger

import "strings"

// MaskEmail はログ出力用にメールアドレスをマスクする。
// ローカル部は先頭2文字のみ残し、ドメインはそのまま残す。
// '@'がちょうど1つでない場合は全体をマスクする。
//
//	"foobar@example.com" -> "fo***@example.com"
//	"ab@ex.com"          -> "***@ex.com"
func MaskEmail(s string) string {
	if strings.Count(s, "@") != 1 {
		return "***"
	}

	i := strings.IndexByte(s, '@')
	local, domain := s[:i], s[i+1:]

	r := []rune(local)
	if len(r) > 2 {
		local = string(r[:2]) + "***"
	} else {
		local = "***"
	}
	return local + "@" + domain
}
