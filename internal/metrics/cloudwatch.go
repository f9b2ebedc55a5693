package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketfeed/logger"
)

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var (
	cwState atomic.Pointer[cloudWatchState]

	// cloudWatchPublishInterval bounds how often one metric series is sent.
	cloudWatchPublishInterval = 10 * time.Second
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	lastPublishMu sync.Mutex
	lastPublish   = make(map[string]time.Time)
)

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "MarketFeed",
		dashboardName: "MarketFeed",
	})
}

// InitCloudWatch initialises the CloudWatch client using the provided region and namespace
// and publishes the feed dashboard. When the client cannot be created the function logs a
// warning and leaves publishing disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	current := cwState.Load()
	state := cloudWatchState{}
	if current != nil {
		state = *current
	}

	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	if cfg.Region != "" {
		state.region = cfg.Region
	} else {
		state.region = region
	}

	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := PutDashboard(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// CloudWatchEnabled reports whether InitCloudWatch produced a client.
func CloudWatchEnabled() bool {
	state := cwState.Load()
	return state != nil && state.client != nil
}

// EmitMetric logs the metric locally, dispatches it to registered handlers and
// publishes it to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	metricEvent, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	numericValue, ok := toFloat64(metricEvent.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metricEvent.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}

	publishMetricDatum(metricEvent, numericValue)
}

type dashboardWidget struct {
	Type       string          `json:"type"`
	X          int             `json:"x"`
	Y          int             `json:"y"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Properties dashboardMetric `json:"properties"`
}

type dashboardMetric struct {
	Title   string          `json:"title"`
	Region  string          `json:"region"`
	View    string          `json:"view"`
	Stat    string          `json:"stat"`
	Period  int             `json:"period"`
	Metrics [][]interface{} `json:"metrics"`
}

// dashboardPanels lists the widgets as title -> (component, metrics...).
var dashboardPanels = []struct {
	title     string
	component string
	names     []string
	stat      string
}{
	{"Events ingested", "feed", []string{"events_delivered", "events_inserted", "events_duplicate"}, "Sum"},
	{"Frames dropped", "feed", []string{"frames_malformed", "frames_invalid"}, "Sum"},
	{"Connection", "feed", []string{"connection_state", "retry_attempts", "reconnects"}, "Maximum"},
	{"Store", "feed", []string{"store_len", "store_evicted"}, "Maximum"},
	{"Subscriber drops", "channel_drops", []string{string(DropMetricSubscriberUpdate)}, "Sum"},
}

func dashboardBody(namespace, region string) (string, error) {
	widgets := make([]dashboardWidget, 0, len(dashboardPanels))
	for i, panel := range dashboardPanels {
		series := make([][]interface{}, 0, len(panel.names))
		for _, name := range panel.names {
			series = append(series, []interface{}{namespace, name, "component", panel.component})
		}
		widgets = append(widgets, dashboardWidget{
			Type:   "metric",
			X:      (i % 2) * 12,
			Y:      (i / 2) * 6,
			Width:  12,
			Height: 6,
			Properties: dashboardMetric{
				Title:   panel.title,
				Region:  region,
				View:    "timeSeries",
				Stat:    panel.stat,
				Period:  60,
				Metrics: series,
			},
		})
	}
	body, err := json.Marshal(map[string]interface{}{"widgets": widgets})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// PutDashboard creates or replaces the configured CloudWatch dashboard.
func PutDashboard(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := dashboardBody(state.namespace, state.region)
	if err != nil {
		return fmt.Errorf("failed to build dashboard body: %w", err)
	}

	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard")
	return nil
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	key := metric.Component + "/" + metric.Name
	now := timeNow()
	lastPublishMu.Lock()
	if last, ok := lastPublish[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		lastPublishMu.Unlock()
		return
	}
	lastPublish[key] = now
	lastPublishMu.Unlock()

	unit := cwtypes.StandardUnitCount
	if rawUnit, ok := metric.Fields["unit"]; ok {
		if unitStr, ok := rawUnit.(string); ok {
			if parsedUnit, found := metricUnitFromString(unitStr); found {
				unit = parsedUnit
			} else {
				logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metric.Name, "unit": unitStr}).Debug("unsupported metric unit; defaulting to Count")
			}
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(metric.Timestamp),
		Unit:       unit,
		Value:      aws.Float64(value),
	}}
	publishMetricsFunc(context.Background(), state, data)
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil {
		return
	}
	if len(data) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	logger.GetLogger().WithComponent("cloudwatch").WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func resetMetricPublishTimes() {
	lastPublishMu.Lock()
	lastPublish = make(map[string]time.Time)
	lastPublishMu.Unlock()
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
