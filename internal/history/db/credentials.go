package db

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// CredentialsError is a failure to obtain credentials before a request could
// be signed: no provider in the chain had any, or refreshing them failed.
type CredentialsError struct {
	Err error
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("no usable AWS credentials: %v", e.Err)
}

func (e *CredentialsError) Unwrap() error {
	return e.Err
}

// credentialsProvider marks retrieval failures so they classify as
// authorization errors instead of surfacing as an opaque signing failure.
type credentialsProvider struct {
	aws.CredentialsProvider
}

func (p credentialsProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds, err := p.CredentialsProvider.Retrieve(ctx)
	if err != nil {
		return creds, &CredentialsError{Err: err}
	}
	return creds, nil
}

// WrapCredentials returns p with retrieval failures reported as
// *CredentialsError. The result is cached like any other provider.
func WrapCredentials(p aws.CredentialsProvider) aws.CredentialsProvider {
	if p == nil {
		return nil
	}
	return aws.NewCredentialsCache(credentialsProvider{p})
}
