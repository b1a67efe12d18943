package metrics

import (
	"taskforge/pkg/fetcher"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PointWriter 非阻塞写入点，api.WriteAPI 满足该接口
type PointWriter interface {
	WritePoint(point *write.Point)
}

// InfluxObserver 每次获取写入一个 fetch_outcome 点
type InfluxObserver struct {
	writer PointWriter
}

var _ fetcher.Observer = (*InfluxObserver)(nil)

// NewInfluxObserver 创建 InfluxDB 观察者
func NewInfluxObserver(writer PointWriter) *InfluxObserver {
	return &InfluxObserver{writer: writer}
}

func (o *InfluxObserver) ObserveFetch(e fetcher.FetchEvent) {
	degraded := "false"
	if e.Degraded {
		degraded = "true"
	}
	point := influxdb2.NewPointWithMeasurement("fetch_outcome").
		AddTag("endpoint", e.Endpoint).
		AddTag("kind", e.Kind).
		AddTag("source", string(e.Source)).
		AddTag("degraded", degraded).
		AddField("records", e.Records).
		AddField("pages", e.Pages).
		AddField("attempts", e.Attempts).
		AddField("rate_limited", e.RateLimited).
		AddField("transient", e.Transient).
		AddField("dropped", e.Dropped).
		AddField("forced", e.Forced).
		AddField("circuit_state", string(e.CircuitState)).
		AddField("duration_ms", e.Duration.Milliseconds()).
		SetTime(e.Time)
	o.writer.WritePoint(point)
}
