package cloud

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

type ec2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

type s3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

type rdsAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

type dynamodbAPI interface {
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

type iamAPI interface {
	ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
}

// AWSQuerier implements Querier against an AWS account. Clients are
// initialized lazily on first use so that commands which never touch the
// provider do not require credentials.
type AWSQuerier struct {
	region string

	mu             sync.Mutex
	ec2Client      ec2API
	s3Client       s3API
	rdsClient      rdsAPI
	dynamodbClient dynamodbAPI
	iamClient      iamAPI
}

// NewAWSQuerier returns a querier for the given region. Empty region falls
// back to DefaultRegion.
func NewAWSQuerier(region string) *AWSQuerier {
	if region == "" {
		region = DefaultRegion
	}
	return &AWSQuerier{region: region}
}

func (q *AWSQuerier) ensureClients(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ec2Client != nil && q.s3Client != nil && q.rdsClient != nil && q.dynamodbClient != nil && q.iamClient != nil {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(q.region))
	if err != nil {
		return fmt.Errorf("unable to load SDK config, %v", err)
	}

	q.ec2Client = ec2.NewFromConfig(cfg)
	q.s3Client = s3.NewFromConfig(cfg)
	q.rdsClient = rds.NewFromConfig(cfg)
	q.dynamodbClient = dynamodb.NewFromConfig(cfg)
	q.iamClient = iam.NewFromConfig(cfg)

	return nil
}

// List returns existing resources of the given type. All calls are
// idempotent provider reads.
func (q *AWSQuerier) List(ctx context.Context, resourceType string) ([]Resource, error) {
	if err := q.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch resourceType {
	case "compute-instance":
		return q.listInstances(ctx)
	case "object-store":
		return q.listBuckets(ctx)
	case "relational-db":
		return q.listDBInstances(ctx)
	case "nosql-table":
		return q.listTables(ctx)
	case "identity-principal":
		return q.listUsers(ctx)
	case "identity-role":
		return q.listRoles(ctx)
	case "identity-policy":
		return q.listPolicies(ctx)
	}
	return nil, fmt.Errorf("unsupported resource type %q", resourceType)
}

func (q *AWSQuerier) listInstances(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	input := &ec2.DescribeInstancesInput{}
	for {
		resp, err := q.ec2Client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range resp.Reservations {
			for _, instance := range reservation.Instances {
				if instance.State != nil && instance.State.Name == ec2types.InstanceStateNameTerminated {
					continue
				}
				r := Resource{
					Name: nameTag(instance.Tags),
					ID:   aws.ToString(instance.InstanceId),
					Details: map[string]string{
						"instanceType": string(instance.InstanceType),
					},
				}
				if instance.State != nil {
					r.Status = string(instance.State.Name)
				}
				if az := instance.Placement; az != nil {
					r.Details["availabilityZone"] = aws.ToString(az.AvailabilityZone)
				}
				if r.Name == "" {
					r.Name = r.ID
				}
				resources = append(resources, r)
			}
		}
		if resp.NextToken == nil {
			return resources, nil
		}
		input.NextToken = resp.NextToken
	}
}

func (q *AWSQuerier) listBuckets(ctx context.Context) ([]Resource, error) {
	resp, err := q.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	resources := make([]Resource, 0, len(resp.Buckets))
	for _, bucket := range resp.Buckets {
		r := Resource{Name: aws.ToString(bucket.Name)}
		if bucket.CreationDate != nil {
			r.Details = map[string]string{
				"created": bucket.CreationDate.Format("2006-01-02"),
			}
		}
		resources = append(resources, r)
	}
	return resources, nil
}

func (q *AWSQuerier) listDBInstances(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	input := &rds.DescribeDBInstancesInput{}
	for {
		resp, err := q.rdsClient.DescribeDBInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe db instances: %w", err)
		}
		for _, db := range resp.DBInstances {
			resources = append(resources, Resource{
				Name:   aws.ToString(db.DBInstanceIdentifier),
				Status: aws.ToString(db.DBInstanceStatus),
				Details: map[string]string{
					"engine":        aws.ToString(db.Engine),
					"engineVersion": aws.ToString(db.EngineVersion),
					"instanceClass": aws.ToString(db.DBInstanceClass),
				},
			})
		}
		if resp.Marker == nil {
			return resources, nil
		}
		input.Marker = resp.Marker
	}
}

func (q *AWSQuerier) listTables(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	input := &dynamodb.ListTablesInput{}
	for {
		resp, err := q.dynamodbClient.ListTables(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		for _, name := range resp.TableNames {
			resources = append(resources, Resource{Name: name})
		}
		if resp.LastEvaluatedTableName == nil {
			return resources, nil
		}
		input.ExclusiveStartTableName = resp.LastEvaluatedTableName
	}
}

func (q *AWSQuerier) listUsers(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	input := &iam.ListUsersInput{}
	for {
		resp, err := q.iamClient.ListUsers(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		for _, user := range resp.Users {
			resources = append(resources, Resource{
				Name: aws.ToString(user.UserName),
				ID:   aws.ToString(user.Arn),
			})
		}
		if !resp.IsTruncated {
			return resources, nil
		}
		input.Marker = resp.Marker
	}
}

func (q *AWSQuerier) listRoles(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	input := &iam.ListRolesInput{}
	for {
		resp, err := q.iamClient.ListRoles(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list roles: %w", err)
		}
		for _, role := range resp.Roles {
			// Skip service-linked roles, they are not user managed.
			if strings.HasPrefix(aws.ToString(role.Path), "/aws-service-role/") {
				continue
			}
			resources = append(resources, Resource{
				Name: aws.ToString(role.RoleName),
				ID:   aws.ToString(role.Arn),
			})
		}
		if !resp.IsTruncated {
			return resources, nil
		}
		input.Marker = resp.Marker
	}
}

func (q *AWSQuerier) listPolicies(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	input := &iam.ListPoliciesInput{Scope: iamtypes.PolicyScopeTypeLocal}
	for {
		resp, err := q.iamClient.ListPolicies(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list policies: %w", err)
		}
		for _, policy := range resp.Policies {
			resources = append(resources, Resource{
				Name: aws.ToString(policy.PolicyName),
				ID:   aws.ToString(policy.Arn),
			})
		}
		if !resp.IsTruncated {
			return resources, nil
		}
		input.Marker = resp.Marker
	}
}

func nameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
