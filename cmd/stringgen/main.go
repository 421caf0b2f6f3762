// Command stringgen is a leaf worker that produces strings on request.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/danmuck/taskman/internal/app"
	"github.com/danmuck/taskman/internal/protocol"
)

const (
	defaultLength  = 16
	defaultCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxLength      = 1 << 20
)

func main() {
	os.Exit(app.Main("stringgen", setup))
}

func setup(ctx context.Context, a *app.App) error {
	a.On("string", func(ctx context.Context, args protocol.Args) (any, error) {
		return "Hello, World!", nil
	})
	a.On("random_string", func(ctx context.Context, args protocol.Args) (any, error) {
		length, charset := defaultLength, defaultCharset
		if args.Len() > 0 {
			if err := args.Decode(0, &length); err != nil {
				return nil, fmt.Errorf("length: %w", err)
			}
		}
		if args.Len() > 1 {
			if err := args.Decode(1, &charset); err != nil {
				return nil, fmt.Errorf("charset: %w", err)
			}
		}
		return randomString(length, charset)
	})
	a.On("echo", func(ctx context.Context, args protocol.Args) (any, error) {
		if args.Len() == 1 {
			return args[0], nil
		}
		return args, nil
	})
	return nil
}

func randomString(length int, charset string) (string, error) {
	if length < 0 || length > maxLength {
		return "", fmt.Errorf("length %d out of range [0, %d]", length, maxLength)
	}
	runes := []rune(charset)
	if len(runes) == 0 {
		runes = []rune(defaultCharset)
	}
	out := make([]rune, length)
	for i := range out {
		out[i] = runes[rand.Intn(len(runes))]
	}
	return string(out), nil
}
