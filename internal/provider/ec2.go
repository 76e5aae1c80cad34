package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/vmconsole/vmconsole/internal/models"
)

const (
	credentialsCheckTimeout = 3 * time.Second
	imageOwnerAmazon        = "amazon"
	instanceNameTag         = "vmconsole"
	credentialsCheckRegion  = "us-east-1"
)

// ec2API is the subset of *ec2.Client used by the adapter.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// EC2 launches Windows instances on AWS. Credentials come from the SDK
// default chain (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN,
// shared config files). Configuration and clients are loaded once per region
// and reused; a failed load is retried on the next call.
type EC2 struct {
	loadConfig func(ctx context.Context, region string) (aws.Config, error)
	newClient  func(cfg aws.Config) ec2API

	mu      sync.Mutex
	configs map[string]aws.Config
	clients map[string]ec2API
}

// NewEC2 returns an adapter backed by the SDK default configuration.
func NewEC2() *EC2 {
	return &EC2{
		loadConfig: func(ctx context.Context, region string) (aws.Config, error) {
			return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		},
		newClient: func(cfg aws.Config) ec2API {
			return ec2.NewFromConfig(cfg)
		},
	}
}

func (e *EC2) Name() models.Provider {
	return models.ProviderAWS
}

// Available resolves credentials through the default chain.
func (e *EC2) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, credentialsCheckTimeout)
	defer cancel()
	cfg, err := e.config(ctx, credentialsCheckRegion)
	if err != nil || cfg.Credentials == nil {
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return false
	}
	return creds.HasKeys()
}

func (e *EC2) CreateInstance(ctx context.Context, region, instanceType, image string) (string, error) {
	client, err := e.client(ctx, region)
	if err != nil {
		return "", newError(models.ProviderAWS, OpCreate, err)
	}
	imageID, err := resolveImage(ctx, client, image)
	if err != nil {
		return "", newError(models.ProviderAWS, OpCreate, err)
	}
	out, err := client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(instanceNameTag)},
			},
		}},
	})
	if err != nil {
		return "", newError(models.ProviderAWS, OpCreate, fmt.Errorf("run instances: %w", err))
	}
	if out == nil || len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return "", newError(models.ProviderAWS, OpCreate, errors.New("run instances returned no instance"))
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (e *EC2) DescribeInstance(ctx context.Context, region, id string) (Instance, error) {
	client, err := e.client(ctx, region)
	if err != nil {
		return Instance{}, newError(models.ProviderAWS, OpDescribe, err)
	}
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return Instance{}, newError(models.ProviderAWS, OpDescribe, fmt.Errorf("describe instance %s: %w", id, err))
	}
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if aws.ToString(inst.InstanceId) != id {
				continue
			}
			result := Instance{ID: id, PublicIP: aws.ToString(inst.PublicIpAddress)}
			if inst.State != nil {
				result.State = mapInstanceState(inst.State.Name)
			}
			return result, nil
		}
	}
	return Instance{}, newError(models.ProviderAWS, OpDescribe, fmt.Errorf("%w: %s", ErrInstanceNotFound, id))
}

func (e *EC2) TerminateInstance(ctx context.Context, region, id string) error {
	client, err := e.client(ctx, region)
	if err != nil {
		return newError(models.ProviderAWS, OpTerminate, err)
	}
	if _, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
		return newError(models.ProviderAWS, OpTerminate, fmt.Errorf("terminate instance %s: %w", id, err))
	}
	return nil
}

func (e *EC2) client(ctx context.Context, region string) (ec2API, error) {
	if strings.TrimSpace(region) == "" {
		return nil, errors.New("region is required")
	}
	cfg, err := e.config(ctx, region)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if client, ok := e.clients[region]; ok {
		return client, nil
	}
	if e.clients == nil {
		e.clients = make(map[string]ec2API)
	}
	client := e.newClient(cfg)
	e.clients[region] = client
	return client, nil
}

func (e *EC2) config(ctx context.Context, region string) (aws.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg, ok := e.configs[region]; ok {
		return cfg, nil
	}
	cfg, err := e.loadConfig(ctx, region)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if e.configs == nil {
		e.configs = make(map[string]aws.Config)
	}
	e.configs[region] = cfg
	return cfg, nil
}

// resolveImage accepts an AMI id as-is, otherwise picks the newest
// Amazon-owned image whose name starts with the given prefix.
func resolveImage(ctx context.Context, client ec2API, image string) (string, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", errors.New("image is required")
	}
	if strings.HasPrefix(image, "ami-") {
		return image, nil
	}
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{imageOwnerAmazon},
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{image + "*"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe images %s: %w", image, err)
	}
	if out == nil || len(out.Images) == 0 {
		return "", fmt.Errorf("no image matches %s", image)
	}
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

func mapInstanceState(name ec2types.InstanceStateName) models.VMState {
	switch name {
	case ec2types.InstanceStateNamePending:
		return models.VMPending
	case ec2types.InstanceStateNameRunning:
		return models.VMRunning
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameStopped:
		return models.VMStopped
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		return models.VMTerminated
	default:
		return ""
	}
}
