package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
)

// proxyEvent is the API Gateway proxy shape the publishing function already
// understands, so it can be invoked directly without the gateway in front.
type proxyEvent struct {
	HTTPMethod string            `json:"httpMethod"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type proxyResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// LambdaTransport invokes the publishing function synchronously
type LambdaTransport struct {
	client   lambdaiface.LambdaAPI
	function string
}

// NewLambdaTransport creates a transport for the given function name or ARN.
// timeout bounds each invocation round trip.
func NewLambdaTransport(region, function string, timeout time.Duration) (*LambdaTransport, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:     aws.String(region),
		HTTPClient: &http.Client{Timeout: timeout},
		MaxRetries: aws.Int(0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return newLambdaTransport(lambda.New(sess), function), nil
}

func newLambdaTransport(client lambdaiface.LambdaAPI, function string) *LambdaTransport {
	return &LambdaTransport{client: client, function: function}
}

// RequiresURL is false: the function name replaces the endpoint URL
func (t *LambdaTransport) RequiresURL() bool {
	return false
}

// Send invokes the function once. A function error is reported as a 502.
func (t *LambdaTransport) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	event, err := json.Marshal(proxyEvent{
		HTTPMethod: http.MethodPost,
		Headers: map[string]string{
			"content-type": "application/json",
			"x-api-key":    req.APIKey,
			"x-request-id": req.RequestID,
		},
		Body: string(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation event: %w", err)
	}

	out, err := t.client.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(t.function),
		InvocationType: aws.String(lambda.InvocationTypeRequestResponse),
		Payload:        event,
	})
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if out.FunctionError != nil {
		return &Response{StatusCode: http.StatusBadGateway, Body: out.Payload}, nil
	}

	var proxied proxyResponse
	if err := json.Unmarshal(out.Payload, &proxied); err != nil || proxied.StatusCode == 0 {
		return &Response{StatusCode: int(aws.Int64Value(out.StatusCode)), Body: out.Payload}, nil
	}
	return &Response{StatusCode: proxied.StatusCode, Body: []byte(proxied.Body)}, nil
}
