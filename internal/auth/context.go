package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxPhoneNumber ctxKey = iota
	ctxUsername
)

func WithIdentity(ctx context.Context, phoneNumber, username string) context.Context {
	ctx = context.WithValue(ctx, ctxPhoneNumber, phoneNumber)
	ctx = context.WithValue(ctx, ctxUsername, username)
	return ctx
}

func PhoneNumber(ctx context.Context) (string, error) {
	v := ctx.Value(ctxPhoneNumber)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("phone_number not in context")
}

func Username(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUsername)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("username not in context")
}
