package db

import (
	"context"
	"errors"
	"net"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/beffjarker/jouster/internal/history"
)

// Error codes the service uses for transient conditions.
var retryableCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"RequestLimitExceeded":                   true,
	"LimitExceededException":                 true,
	"InternalServerError":                    true,
	"InternalFailure":                        true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"TransactionConflictException":           true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
}

// Error codes for missing, invalid or insufficient credentials.
var authCodes = map[string]bool{
	"AccessDeniedException":               true,
	"UnrecognizedClientException":         true,
	"InvalidSignatureException":           true,
	"MissingAuthenticationToken":          true,
	"MissingAuthenticationTokenException": true,
	"ExpiredTokenException":               true,
	"IncompleteSignature":                 true,
	"IncompleteSignatureException":        true,
	"InvalidClientTokenId":                true,
}

// classify wraps a store error in a *history.Error. Errors that are already
// classified pass through unchanged.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var he *history.Error
	if errors.As(err, &he) {
		return err
	}
	return &history.Error{Op: op, ConversationID: id, Kind: kindOf(err), Err: err}
}

// kindOf maps an SDK error to a history error kind.
func kindOf(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return history.ErrConnectivity
	}

	// A credential lookup cut short by the deadline is handled above.
	var credErr *CredentialsError
	if errors.As(err, &credErr) {
		return history.ErrAuthorization
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return history.ErrTableNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ResourceNotFoundException":
			return history.ErrTableNotFound
		case retryableCodes[code]:
			return history.ErrConnectivity
		case authCodes[code]:
			return history.ErrAuthorization
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status >= 500:
			return history.ErrConnectivity
		case status == 401 || status == 403:
			return history.ErrAuthorization
		}
	}

	if apiErr != nil {
		// Payload refused: validation, item too large, bad expression.
		return history.ErrRejected
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return history.ErrConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return history.ErrConnectivity
	}

	// Client-side failures such as endpoint resolution stay unclassified,
	// which callers treat as fatal.
	return nil
}
