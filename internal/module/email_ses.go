package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"courier/internal/batch"
)

const (
	sesBatchLimit = 50

	// Stored template whose fields pass locally-rendered content through.
	// SendBulkEmail requires a template; per-entry replacement data is its
	// only per-recipient content channel.
	sesPassthroughTemplate = "courier-passthrough"
)

// SES sends through the SESv2 bulk endpoint, one API call per 50
// recipients. Content is rendered locally before dispatch, so the bulk
// template is a passthrough: per-entry replacement data carries the
// rendered subject and body for that recipient.
type SES struct {
	client *sesv2.Client
	cfg    *batch.EmailConfig
	logger *zap.Logger

	mu        sync.Mutex
	tmplReady bool
}

func NewSES(cfg *batch.EmailConfig, logger *zap.Logger) (*SES, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SES{
		client: sesv2.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (s *SES) Name() string { return "ses" }

// ensureTemplate creates the passthrough template on first use. SES has no
// create-if-absent call, so an AlreadyExists raced by another worker
// counts as success.
func (s *SES) ensureTemplate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tmplReady {
		return nil
	}

	_, err := s.client.CreateEmailTemplate(ctx, &sesv2.CreateEmailTemplateInput{
		TemplateName: aws.String(sesPassthroughTemplate),
		TemplateContent: &types.EmailTemplateContent{
			Subject: aws.String("{{subject}}"),
			Html:    aws.String("{{html}}"),
			Text:    aws.String("{{text}}"),
		},
	})
	var exists *types.AlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("creating passthrough template: %w", err)
	}
	s.tmplReady = true
	return nil
}

func (s *SES) ExecuteBatch(ctx context.Context, payloads []Payload, cfg *batch.SendConfig) []Result {
	if err := s.ensureTemplate(ctx); err != nil {
		s.logger.Error("SES template setup failed", zap.Error(err))
		results := make([]Result, len(payloads))
		for i, p := range payloads {
			results[i] = Result{RecipientID: p.RecipientID, Error: err.Error()}
		}
		return results
	}

	results := make([]Result, 0, len(payloads))
	for start := 0; start < len(payloads); start += sesBatchLimit {
		end := start + sesBatchLimit
		if end > len(payloads) {
			end = len(payloads)
		}
		results = append(results, s.sendBulk(ctx, payloads[start:end])...)
	}
	return results
}

// bulkInput assembles one SendBulkEmail call: the stored passthrough
// template as default content, each entry carrying its recipient's
// rendered subject and body as replacement data.
func bulkInput(from string, payloads []Payload) *sesv2.SendBulkEmailInput {
	entries := make([]types.BulkEmailEntry, 0, len(payloads))
	for _, p := range payloads {
		data, _ := json.Marshal(map[string]string{
			"subject": p.Subject,
			"html":    p.HTMLContent,
			"text":    p.TextContent,
		})
		entries = append(entries, types.BulkEmailEntry{
			Destination: &types.Destination{
				ToAddresses: []string{p.To},
			},
			ReplacementEmailContent: &types.ReplacementEmailContent{
				ReplacementTemplate: &types.ReplacementTemplate{
					ReplacementTemplateData: aws.String(string(data)),
				},
			},
		})
	}

	return &sesv2.SendBulkEmailInput{
		FromEmailAddress: aws.String(from),
		BulkEmailEntries: entries,
		DefaultContent: &types.BulkEmailContent{
			Template: &types.Template{
				TemplateName: aws.String(sesPassthroughTemplate),
				TemplateData: aws.String(`{"subject":"","html":"","text":""}`),
			},
		},
	}
}

func (s *SES) sendBulk(ctx context.Context, payloads []Payload) []Result {
	// One from address per API call; all payloads in a chunk come from the
	// same batch, so the first payload carries the batch-level override.
	input := bulkInput(fromAddress(payloads[0], s.cfg), payloads)

	output, err := s.client.SendBulkEmail(ctx, input)
	if err != nil {
		s.logger.Error("SES bulk send failed", zap.Int("recipients", len(payloads)), zap.Error(err))
		results := make([]Result, len(payloads))
		for i, p := range payloads {
			results[i] = Result{RecipientID: p.RecipientID, Error: err.Error()}
		}
		return results
	}

	// SES returns one entry result per input entry, in order.
	results := make([]Result, len(payloads))
	for i, p := range payloads {
		if i >= len(output.BulkEmailEntryResults) {
			results[i] = Result{RecipientID: p.RecipientID, Error: "missing bulk entry result"}
			continue
		}
		entry := output.BulkEmailEntryResults[i]
		if entry.Status == types.BulkEmailStatusSuccess {
			results[i] = Result{
				RecipientID:       p.RecipientID,
				Success:           true,
				ProviderMessageID: aws.ToString(entry.MessageId),
			}
		} else {
			results[i] = Result{
				RecipientID: p.RecipientID,
				Error:       fmt.Sprintf("%s: %s", entry.Status, aws.ToString(entry.Error)),
			}
		}
	}
	return results
}
