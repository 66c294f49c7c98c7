package jsonutil

import (
	"bytes"
	"encoding/json"
)

// IndentObject 从模型输出中取出第一个 JSON 对象并缩进排版。
func IndentObject(raw string) (string, bool) {
	obj, ok := ExtractObject(raw)
	if !ok {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(obj), "", "  "); err != nil {
		return "", false
	}
	return buf.String(), true
}
