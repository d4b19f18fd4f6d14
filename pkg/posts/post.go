// Package posts holds the blog post type, the placeholder set shown to
// visitors without the token, the HTTP fetcher the gate uses to load real
// posts, and the stores behind GET /api/blogPosts.
package posts

import (
	"encoding/json"
	"fmt"
	"os"
)

// Post is a single blog entry.
type Post struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ListResponse is the body of GET /api/blogPosts.
type ListResponse struct {
	Data []Post `json:"data"`
}

var placeholders = []Post{
	{
		Title:       "Lorem Ipsum Dolor Sit Amet",
		Description: "Consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
	},
	{
		Title:       "Vestibulum Ante Ipsum Primis",
		Description: "Faucibus orci luctus et ultrices posuere cubilia curae; Donec velit neque, auctor sit amet aliquam vel.",
	},
	{
		Title:       "Mauris Blandit Aliquet Elit",
		Description: "Etiam erat velit, scelerisque in dictum non, consectetur eget mi. Vestibulum ante ipsum primis in faucibus.",
	},
	{
		Title:       "Cras Ultricies Ligula Sed",
		Description: "Pellentesque elit eget gravida cum sociis natoque penatibus et magnis dis parturient montes, nascetur ridiculus mus.",
	},
}

// Placeholders returns a fresh copy of the four fixed placeholder posts.
func Placeholders() []Post {
	out := make([]Post, len(placeholders))
	copy(out, placeholders)
	return out
}

// LoadSeedFile reads posts from a JSON file. Both a bare array and the
// {"data": [...]} envelope are accepted.
func LoadSeedFile(path string) ([]Post, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var list []Post
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var envelope ListResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return envelope.Data, nil
}
