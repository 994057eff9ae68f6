// Package mailstore adapts the S3 mail bucket into the mailbox listings and
// message reads the IMAP session serves. Messages live under per-mailbox key
// prefixes; "INBOX" maps to the incoming-delivery prefix written by the
// receiving pipeline.
package mailstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// incomingPrefix is where the delivery pipeline drops new mail.
const incomingPrefix = "incoming/"

// sesControlMarker tags bookkeeping objects SES writes next to received
// mail; they are not messages and are never listed.
const sesControlMarker = "AMAZON_SES"

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MessageSummary is a read projection of one stored message, produced at
// listing time. Seq is 1-based in date-descending order and only meaningful
// within the session that produced the listing.
type MessageSummary struct {
	Seq     int
	From    string
	To      string
	Subject string
	Date    string
	Size    int64
	Key     string

	sortTime time.Time
}

// Store lists and fetches messages from the mail bucket. Safe for concurrent
// use by many sessions; all fields are read-only after construction.
type Store struct {
	client       s3API
	bucket       string
	headerBudget int64
	timeout      time.Duration
}

// New returns a Store over the given bucket. headerBudget caps how many
// bytes of each object are fetched when listing (headers only, never whole
// bodies); timeout bounds each S3 call.
func New(client *s3.Client, bucket string, headerBudget int64, timeout time.Duration) *Store {
	return newStore(client, bucket, headerBudget, timeout)
}

func newStore(client s3API, bucket string, headerBudget int64, timeout time.Duration) *Store {
	return &Store{client: client, bucket: bucket, headerBudget: headerBudget, timeout: timeout}
}

// ListMailbox lists the messages in mailbox that are addressed to user,
// sorted by date descending with 1-based sequence numbers assigned in that
// order. Errors reading an individual object skip that message; partial
// visibility beats a failed listing.
//
// Membership is decided by substring-matching the To header against the user
// address or its local part. That is not a tenant boundary (bob@example.com
// also matches notbob@example.com); it is preserved for compatibility with
// the existing bucket layout.
func (s *Store) ListMailbox(ctx context.Context, user, mailbox string) ([]MessageSummary, error) {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.ListObjectsV2(lctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefixFor(mailbox)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", mailbox, describeErr(err))
	}

	var msgs []MessageSummary
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == "" || strings.Contains(key, sesControlMarker) {
			continue
		}

		headers, err := s.fetchHeaders(ctx, key)
		if err != nil {
			log.Printf("mailstore: skipping %s: %v", key, err)
			continue
		}

		if !matchesRecipient(headers["to"], user) {
			continue
		}

		date := headers["date"]
		sortTime := parseDate(date)
		if date == "" && obj.LastModified != nil {
			date = obj.LastModified.UTC().Format(time.RFC1123Z)
		}
		if sortTime.IsZero() && obj.LastModified != nil {
			sortTime = *obj.LastModified
		}

		subject := headers["subject"]
		if subject == "" {
			subject = "(No Subject)"
		}

		msgs = append(msgs, MessageSummary{
			From:     headers["from"],
			To:       headers["to"],
			Subject:  subject,
			Date:     date,
			Size:     aws.ToInt64(obj.Size),
			Key:      key,
			sortTime: sortTime,
		})
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].sortTime.After(msgs[j].sortTime)
	})
	for i := range msgs {
		msgs[i].Seq = i + 1
	}
	return msgs, nil
}

// Fetch returns the full raw text of one stored message.
func (s *Store) Fetch(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", key, describeErr(err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return string(data), nil
}

// Append stores a new message under the mailbox prefix and returns the
// generated key.
func (s *Store) Append(ctx context.Context, mailbox string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := fmt.Sprintf("%s%d-%s.eml", prefixFor(mailbox), time.Now().UnixMilli(), randomSuffix())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return "", fmt.Errorf("storing %s: %w", key, describeErr(err))
	}
	return key, nil
}

// fetchHeaders pulls at most headerBudget bytes of the object and parses its
// header block.
func (s *Store) fetchHeaders(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", s.headerBudget-1)),
	})
	if err != nil {
		return nil, describeErr(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.headerBudget))
	if err != nil {
		return nil, err
	}
	return ParseHeaders(string(data)), nil
}

func prefixFor(mailbox string) string {
	if strings.EqualFold(mailbox, "INBOX") {
		return incomingPrefix
	}
	return strings.ToLower(mailbox) + "/"
}

// ParseHeaders extracts the first blank-line-delimited header block of a raw
// message into a map keyed by lower-cased header name. When no blank line is
// present within the input, the first 2000 bytes are scanned instead.
func ParseHeaders(content string) map[string]string {
	headers := make(map[string]string)

	end := strings.Index(content, "\r\n\r\n")
	if end < 0 {
		end = strings.Index(content, "\n\n")
	}
	block := content
	if end > 0 {
		block = content[:end]
	} else if len(block) > 2000 {
		block = block[:2000]
	}

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		i := strings.Index(line, ":")
		if i <= 0 {
			continue
		}
		headers[strings.ToLower(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return headers
}

func matchesRecipient(toHeader, user string) bool {
	to := strings.ToLower(toHeader)
	u := strings.ToLower(user)
	if strings.Contains(to, u) {
		return true
	}
	if local, _, ok := strings.Cut(u, "@"); ok && local != "" {
		return strings.Contains(to, local)
	}
	return false
}

func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func randomSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// describeErr keeps AWS error codes visible in logs without leaking SDK
// types to callers.
func describeErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}
