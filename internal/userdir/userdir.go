// Package userdir adapts the DynamoDB users table into a credential
// verifier for the IMAP and SMTP sessions.
package userdir

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// dynamoAPI is the subset of the DynamoDB client the directory uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Directory resolves an email address to a stored password hash and checks
// supplied credentials against it. It is safe for concurrent use; all state
// is read-only after construction.
type Directory struct {
	client  dynamoAPI
	table   string
	timeout time.Duration
}

// New returns a Directory over the given users table.
func New(client *dynamodb.Client, table string, timeout time.Duration) *Directory {
	return newDirectory(client, table, timeout)
}

func newDirectory(client dynamoAPI, table string, timeout time.Duration) *Directory {
	return &Directory{client: client, table: table, timeout: timeout}
}

// Verify reports whether password matches the stored hash for email.
// Unknown user, wrong password and a failing store all yield false so the
// protocol layer never distinguishes them; the session stays open and the
// client may retry.
func (d *Directory) Verify(ctx context.Context, email, password string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"email": &types.AttributeValueMemberS{Value: strings.ToLower(email)},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			log.Printf("userdir: GetItem failed: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		} else {
			log.Printf("userdir: GetItem failed: %v", err)
		}
		return false
	}
	if out.Item == nil {
		return false
	}

	attr, ok := out.Item["passwordHash"].(*types.AttributeValueMemberS)
	if !ok {
		return false
	}

	sum := sha256.Sum256([]byte(password))
	computed := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(attr.Value)) == 1
}
