package model

import (
	"regexp"
	"strings"
)

// 旧版本把图片写在正文里：![image](https://host/path.png)
// 标记由方括号包裹的 "image" 和紧随其后的圆括号 URL 组成，URL 不含空白和 ')'。
var imageMarkerPattern = regexp.MustCompile(`!\[image\]\((https?://[^\s)]+)\)`)

// ParseImageMarker 在 content 中查找第一个图片标记。
// 返回去掉该标记并修剪空白后的正文、标记中的 URL，以及是否找到标记。
func ParseImageMarker(content string) (text string, url string, ok bool) {
	loc := imageMarkerPattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return content, "", false
	}
	url = content[loc[2]:loc[3]]
	text = strings.TrimSpace(content[:loc[0]] + content[loc[1]:])
	return text, url, true
}

// FormatImageMarker 生成与 ParseImageMarker 对应的标记文本。
func FormatImageMarker(url string) string {
	return "![image](" + url + ")"
}

// NormalizeImage 在写入前把正文中的图片标记提升为独立字段。
// imageURL 非空时以它为准，正文保持原样。
func NormalizeImage(content, imageURL string) (string, *string) {
	if imageURL != "" {
		return content, &imageURL
	}
	text, url, ok := ParseImageMarker(content)
	if !ok {
		return content, nil
	}
	return text, &url
}
