package util

import (
	"strconv"
	"strings"
)

// PageParams 解析分页参数，非法值回退为默认值
func PageParams(pageStr, limitStr string) (int, int) {
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		page = DefaultPage
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike 转义 LIKE 通配符，用户输入按字面匹配。
// mysql 和 postgres 的默认转义符都是反斜杠。
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}
