package logger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// PutMetricData has a per-request datum limit.
const maxDatumsPerPut = 1000

// metricsAPI is the slice of the CloudWatch client the report needs.
type metricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

var (
	cwClient    metricsAPI
	cwNamespace = "PearLimitEngine"
	cwDashboard = "PearLimitEngine"
)

// InitCloudWatch creates the CloudWatch client. An empty region falls back to
// AWS_REGION; on failure metrics publishing stays disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
	cwClient = cloudwatch.NewFromConfig(cfg)

	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("initialized CloudWatch client")
	CreateDefaultDashboard(ctx)
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	if cwClient == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := start + maxDatumsPerPut
		if end > len(data) {
			end = len(data)
		}
		if _, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(cwNamespace),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}
	log.WithField("count", len(data)).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard upserts a dashboard charting the pipeline counters.
func CreateDefaultDashboard(ctx context.Context) {
	if cwClient == nil {
		return
	}

	rows := make([]string, 0, 6)
	for _, m := range []string{RatiosPublished, SamplesProcessed, OrdersMatched, TradesExecuted, TradesSettled, Reconnects} {
		rows = append(rows, fmt.Sprintf(`["%s","%s"]`, cwNamespace, m))
	}
	body := fmt.Sprintf(`{"widgets":[{"type":"metric","width":24,"height":6,"properties":{"metrics":[%s],"period":60,"stat":"Maximum","title":"Limit engine pipeline"}}]}`,
		strings.Join(rows, ","))

	if _, err := cwClient.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cwDashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
