package main

import (
	"context"
	"log"
	"strings"
	"time"

	"graphcore/infrastructure/config"
	"graphcore/infrastructure/di"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// gatewayHeaders carry the identity API Gateway's JWT authorizer verified.
// Client-supplied copies are always removed first.
var gatewayHeaders = []string{"X-API-Gateway-Authorized", "X-User-ID", "X-User-Email", "X-User-Roles"}

var (
	chiLambda *chiadapter.ChiLambdaV2
	container *di.Container

	coldStart     = true
	coldStartTime time.Time
)

// init runs during cold start
func init() {
	coldStartTime = time.Now()
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// The execution environment is frozen between invocations and torn
	// down without notice, so the cleanup from the injector is never run.
	// Appends are durable before a response is returned.
	container, _, err = di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	if err := container.Start(ctx); err != nil {
		log.Fatalf("Failed to start container: %v", err)
	}

	chiRouter, ok := container.Router.Setup().(*chi.Mux)
	if !ok {
		log.Fatal("Failed to cast handler to chi.Mux")
	}
	chiLambda = chiadapter.NewV2(chiRouter)

	container.Logger.Info("Lambda cold start completed", zap.Duration("duration", time.Since(coldStartTime)))
}

// Handler is the Lambda function handler
func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	promoteAuthorizerClaims(&req)

	resp, err := chiLambda.ProxyWithContextV2(ctx, req)
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}

	if coldStart {
		resp.Headers["X-Cold-Start"] = "true"
		coldStart = false
	} else {
		resp.Headers["X-Cold-Start"] = "false"
	}
	if req.RequestContext.RequestID != "" {
		resp.Headers["X-Lambda-Request-ID"] = req.RequestContext.RequestID
	}

	fields := []zap.Field{
		zap.String("method", req.RequestContext.HTTP.Method),
		zap.String("path", req.RequestContext.HTTP.Path),
		zap.String("request_id", req.RequestContext.RequestID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("stage", req.RequestContext.Stage),
	}
	if resp.StatusCode >= 500 {
		container.Logger.Error("Lambda error response", append(fields, zap.String("body", resp.Body))...)
	} else {
		container.Logger.Debug("Lambda response", fields...)
	}

	return resp, err
}

// promoteAuthorizerClaims turns the claims of API Gateway's JWT authorizer
// into the identity headers the auth middleware trusts on Lambda
func promoteAuthorizerClaims(req *events.APIGatewayV2HTTPRequest) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	for name := range req.Headers {
		for _, h := range gatewayHeaders {
			if strings.EqualFold(name, h) {
				delete(req.Headers, name)
			}
		}
	}

	authz := req.RequestContext.Authorizer
	if authz == nil || authz.JWT == nil {
		return
	}
	claims := authz.JWT.Claims
	if claims["sub"] == "" {
		return
	}
	req.Headers["X-API-Gateway-Authorized"] = "true"
	req.Headers["X-User-ID"] = claims["sub"]
	if email := claims["email"]; email != "" {
		req.Headers["X-User-Email"] = email
	}
	if roles := strings.Trim(claims["roles"], "[]"); roles != "" {
		req.Headers["X-User-Roles"] = strings.ReplaceAll(roles, " ", ",")
	}
}

func main() {
	lambda.Start(Handler)
}
