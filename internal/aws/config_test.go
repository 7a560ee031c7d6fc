package aws

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

func TestLoadAWSConfig_DefaultRegion(t *testing.T) {
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "")
	t.Setenv("AWS_REGION", "")

	cfg, err := LoadAWSConfig(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Region != "us-east-1" {
		t.Fatalf("expected default region 'us-east-1', got %s", cfg.Region)
	}
}

func TestLoadAWSConfig_WithEndpointOverride(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "http://localhost:4566")

	cfg, err := LoadAWSConfig(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Region != "eu-west-1" {
		t.Fatalf("region mismatch, got %s", cfg.Region)
	}
	if cfg.BaseEndpoint == nil || *cfg.BaseEndpoint != "http://localhost:4566" {
		t.Fatalf("expected base endpoint override, got %v", cfg.BaseEndpoint)
	}
}

func TestNewAWSClients_ExplicitRegionWins(t *testing.T) {
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "")
	t.Setenv("AWS_REGION", "eu-west-1")

	clients, err := NewAWSClients(context.Background(), "ap-south-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clients.Region != "ap-south-1" {
		t.Fatalf("region mismatch, got %s", clients.Region)
	}
	ddb, ok := clients.DynamoDB.(*dynamodb.Client)
	if !ok {
		t.Fatalf("unexpected dynamodb client %T", clients.DynamoDB)
	}
	if got := ddb.Options().Region; got != "ap-south-1" {
		t.Fatalf("dynamodb client region %s", got)
	}
	if clients.SQS == nil || clients.CloudWatch == nil {
		t.Fatalf("missing clients: %+v", clients)
	}
}
