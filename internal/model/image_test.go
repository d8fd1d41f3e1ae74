package model

import "testing"

func TestParseImageMarker(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantText string
		wantURL  string
		wantOK   bool
	}{
		{
			name:     "marker after text",
			content:  "what is this? ![image](https://i.ibb.co/abc/cat.png)",
			wantText: "what is this?",
			wantURL:  "https://i.ibb.co/abc/cat.png",
			wantOK:   true,
		},
		{
			name:     "marker before text",
			content:  "![image](http://localhost:9000/chat-images/a.jpg)\ndescribe it",
			wantText: "describe it",
			wantURL:  "http://localhost:9000/chat-images/a.jpg",
			wantOK:   true,
		},
		{
			name:     "only first marker is lifted",
			content:  "![image](https://a.example/1.png) and ![image](https://a.example/2.png)",
			wantText: "and ![image](https://a.example/2.png)",
			wantURL:  "https://a.example/1.png",
			wantOK:   true,
		},
		{
			name:     "plain markdown link is not a marker",
			content:  "see [docs](https://example.com)",
			wantText: "see [docs](https://example.com)",
			wantOK:   false,
		},
		{
			name:     "non http scheme is ignored",
			content:  "![image](javascript:alert(1))",
			wantText: "![image](javascript:alert(1))",
			wantOK:   false,
		},
		{
			name:     "empty content",
			content:  "",
			wantText: "",
			wantOK:   false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			text, url, ok := ParseImageMarker(tc.content)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if text != tc.wantText {
				t.Errorf("text = %q, want %q", text, tc.wantText)
			}
			if url != tc.wantURL {
				t.Errorf("url = %q, want %q", url, tc.wantURL)
			}
		})
	}
}

func TestFormatImageMarkerRoundTrip(t *testing.T) {
	url := "https://i.ibb.co/xyz/photo.webp"
	_, got, ok := ParseImageMarker("look " + FormatImageMarker(url))
	if !ok || got != url {
		t.Fatalf("ParseImageMarker(FormatImageMarker(%q)) = %q, %v", url, got, ok)
	}
}

func TestNormalizeImage(t *testing.T) {
	content, img := NormalizeImage("hi ![image](https://h.example/a.png)", "")
	if content != "hi" {
		t.Errorf("content = %q, want %q", content, "hi")
	}
	if img == nil || *img != "https://h.example/a.png" {
		t.Fatalf("image url = %v", img)
	}

	content, img = NormalizeImage("hi ![image](https://h.example/a.png)", "https://other.example/b.png")
	if content != "hi ![image](https://h.example/a.png)" {
		t.Errorf("explicit image url must leave content untouched, got %q", content)
	}
	if img == nil || *img != "https://other.example/b.png" {
		t.Fatalf("image url = %v", img)
	}

	content, img = NormalizeImage("no image here", "")
	if content != "no image here" || img != nil {
		t.Fatalf("NormalizeImage() = %q, %v", content, img)
	}
}

func TestResolvedImageURL(t *testing.T) {
	field := "https://field.example/a.png"
	withField := Message{Content: "![image](https://legacy.example/b.png)", ImageURL: &field}
	if got := withField.ResolvedImageURL(); got != field {
		t.Errorf("field should win, got %q", got)
	}

	legacy := Message{Content: "old row ![image](https://legacy.example/b.png)"}
	if got := legacy.ResolvedImageURL(); got != "https://legacy.example/b.png" {
		t.Errorf("legacy marker not decoded, got %q", got)
	}

	none := Message{Content: "text only"}
	if got := none.ResolvedImageURL(); got != "" {
		t.Errorf("expected no image, got %q", got)
	}
}
