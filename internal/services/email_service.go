package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// AWSSESNotifier sends lockout notices using AWS SES. The identity must be
// a deliverable email address; installations keyed on usernames or IPs
// should run without a notifier.
type AWSSESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESNotifier creates a new AWS SES lockout notifier
func NewAWSSESNotifier(region, fromAddress string, logger *slog.Logger) (*AWSSESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// SendLockoutNotice emails the account owner that their account was
// temporarily locked after repeated failed sign-in attempts.
func (s *AWSSESNotifier) SendLockoutNotice(ctx context.Context, identity string, lockedUntil time.Time, failedAttempts int) error {
	unlockTime := lockedUntil.UTC().Format(time.RFC1123)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .content { padding: 20px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Account Temporarily Locked</h1>
        </div>
        <div class="content">
            <p>Your account was temporarily locked after %d failed sign-in attempts.</p>
            <div class="warning">
                <strong>⚠️ Security Notice:</strong> The lock lifts automatically at %s.
            </div>
            <p><strong>Was this you?</strong><br>
            If you simply mistyped your password, no action is needed. Wait for the lock to lift and sign in again.</p>
            <p><strong>Didn't try to sign in?</strong><br>
            Someone else may be attempting to access your account. We recommend changing your password once the lock lifts.</p>
        </div>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
            <p>If you have any questions, please contact our support team.</p>
        </div>
    </div>
</body>
</html>
`, failedAttempts, unlockTime)

	textBody := fmt.Sprintf(`Account Temporarily Locked

Your account was temporarily locked after %d failed sign-in attempts.

⚠️  Security Notice: The lock lifts automatically at %s.

Was this you?
If you simply mistyped your password, no action is needed. Wait for the lock to lift and sign in again.

Didn't try to sign in?
Someone else may be attempting to access your account. We recommend changing your password once the lock lifts.

This is an automated message. Please do not reply to this email.
If you have any questions, please contact our support team.
`, failedAttempts, unlockTime)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{identity},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Your account has been temporarily locked"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send lockout notice via SES",
			slog.String("identity", identity),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("lockout notice sent",
		slog.String("identity", identity),
		slog.String("message_id", *result.MessageId))

	return nil
}
