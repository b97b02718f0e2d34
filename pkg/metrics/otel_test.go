package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type OtelHandlerTestSuite struct {
	suite.Suite
	reader   sdkmetric.Reader
	exporter sdkmetric.Exporter
	handler  Handler
	out      *bytes.Buffer
}

type metricsData struct {
	ScopeMetrics []struct {
		Metrics []struct {
			Name        string `json:"Name"`
			Description string `json:"Description"`
			Unit        string `json:"Unit"`
			Data        struct {
				DataPoints []struct {
					Attributes []struct {
						Key   string `json:"Key"`
						Value any    `json:"Value"`
					} `json:"Attributes"`
					Value        float64  `json:"Value,omitempty"`
					BucketCounts []uint64 `json:"BucketCounts,omitempty"`
				} `json:"DataPoints"`
			} `json:"Data"`
		} `json:"Metrics"`
	} `json:"ScopeMetrics"`
}

func (suite *OtelHandlerTestSuite) SetupTest() {
	suite.out = new(bytes.Buffer)
	exp, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(suite.out)), stdoutmetric.WithoutTimestamps())
	assert.NoError(suite.T(), err)
	suite.exporter = exp
	suite.reader = sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(suite.reader))
	suite.handler = NewOtelHandler(context.TODO(), provider, "test")
}

func (suite *OtelHandlerTestSuite) collect() metricsData {
	ctx := context.TODO()
	var rm metricdata.ResourceMetrics
	assert.NoError(suite.T(), suite.reader.Collect(ctx, &rm))
	assert.NoError(suite.T(), suite.exporter.Export(ctx, &rm))
	var data metricsData
	assert.NoError(suite.T(), json.Unmarshal(suite.out.Bytes(), &data))
	return data
}

func (suite *OtelHandlerTestSuite) TestInt64Counter() {
	ctx := context.TODO()
	counter := suite.handler.Int64Counter("Test_Counter", "A counter for tests", Dimensionless)
	counter.Add(ctx, 2, nil)
	counter.Add(ctx, 3, nil)

	data := suite.collect()
	m := data.ScopeMetrics[0].Metrics[0]
	assert.Equal(suite.T(), "test_counter", m.Name)
	assert.Equal(suite.T(), "A counter for tests", m.Description)
	assert.Len(suite.T(), m.Data.DataPoints, 1)
	assert.Equal(suite.T(), float64(5), m.Data.DataPoints[0].Value)
	assert.Empty(suite.T(), m.Data.DataPoints[0].Attributes)
}

func (suite *OtelHandlerTestSuite) TestInt64Counter_withattrs() {
	ctx := context.TODO()
	counter := suite.handler.Int64Counter("test_counter", "A counter for tests", Dimensionless)
	counter.Add(ctx, 1, map[string]string{"key": "a"})
	counter.Add(ctx, 1, map[string]string{"key": "b"})

	data := suite.collect()
	points := data.ScopeMetrics[0].Metrics[0].Data.DataPoints
	assert.Len(suite.T(), points, 2)
	for _, p := range points {
		assert.Len(suite.T(), p.Attributes, 1)
		assert.Equal(suite.T(), "key", p.Attributes[0].Key)
	}
}

func (suite *OtelHandlerTestSuite) TestInt64Histogram() {
	ctx := context.TODO()
	histo := suite.handler.Int64Histogram("test_histo", "A histogram for tests", Milliseconds)
	histo.Record(ctx, 10, map[string]string{"key": "value"})

	data := suite.collect()
	m := data.ScopeMetrics[0].Metrics[0]
	assert.Equal(suite.T(), "test_histo", m.Name)
	assert.Equal(suite.T(), "ms", m.Unit)
	assert.Len(suite.T(), m.Data.DataPoints[0].Attributes, 1)
	assert.NotEmpty(suite.T(), m.Data.DataPoints[0].BucketCounts)
}

func (suite *OtelHandlerTestSuite) TestInt64Gauge() {
	ctx := context.TODO()
	gauge := suite.handler.Int64Gauge("test_gauge", "A gauge for tests", Dimensionless)
	gauge.Observe(ctx, 1, nil)
	gauge.Observe(ctx, 4, nil)
	// asking again returns the same instrument
	suite.handler.Int64Gauge("test_gauge", "A gauge for tests", Dimensionless).Observe(ctx, 7, map[string]string{"key": "value"})

	data := suite.collect()
	m := data.ScopeMetrics[0].Metrics[0]
	assert.Equal(suite.T(), "test_gauge", m.Name)
	assert.Len(suite.T(), m.Data.DataPoints, 2)
	values := map[int]float64{}
	for _, p := range m.Data.DataPoints {
		values[len(p.Attributes)] = p.Value
	}
	assert.Equal(suite.T(), map[int]float64{0: 4, 1: 7}, values)
}

func (suite *OtelHandlerTestSuite) TestWithTags() {
	ctx := context.TODO()
	tagged := suite.handler.WithTags(map[string]string{"default_key": "default_value", "key": "default"})
	counter := tagged.Int64Counter("test_counter_with_defaults", "A counter for tests", Dimensionless)
	counter.Add(ctx, 1, map[string]string{"key": "value"})

	data := suite.collect()
	attrs := data.ScopeMetrics[0].Metrics[0].Data.DataPoints[0].Attributes
	assert.Len(suite.T(), attrs, 2)
	got := map[string]any{}
	for _, a := range attrs {
		got[a.Key] = a.Value
	}
	assert.Contains(suite.T(), got, "default_key")
	assert.Contains(suite.T(), got, "key")
}

func TestOtelHandler(t *testing.T) {
	suite.Run(t, new(OtelHandlerTestSuite))
}
