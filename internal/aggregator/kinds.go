package aggregator

import (
	"fmt"

	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/store"
	"github.com/macwilam/linksense/internal/task"
)

// aggregateKind scans every raw row for (kind, taskName) in
// [startInclusive, endExclusive) and returns the kind's aggregate struct,
// plus the sample count actually scanned (0 means the bucket is empty and
// nothing should be written).
func aggregateKind(s *store.Store, kind task.Kind, taskName string, startInclusive, endExclusive int64) (any, int, error) {
	switch kind {
	case task.KindPing:
		return aggregatePing(s, taskName, startInclusive, endExclusive)
	case task.KindTCP:
		return aggregateTCP(s, taskName, startInclusive, endExclusive)
	case task.KindTLS:
		return aggregateTLS(s, taskName, startInclusive, endExclusive)
	case task.KindHTTPGet:
		return aggregateHTTPGet(s, taskName, startInclusive, endExclusive)
	case task.KindHTTPContent:
		return aggregateHTTPContent(s, taskName, startInclusive, endExclusive)
	case task.KindDNS, task.KindDNSDoH:
		return aggregateDNS(s, taskName, startInclusive, endExclusive)
	case task.KindBandwidth:
		return aggregateBandwidth(s, taskName, startInclusive, endExclusive)
	case task.KindSQL:
		return aggregateSQL(s, taskName, startInclusive, endExclusive)
	case task.KindSNMP:
		return aggregateSNMP(s, taskName, startInclusive, endExclusive)
	default:
		return nil, 0, fmt.Errorf("aggregator: unknown kind %q", kind)
	}
}

// base accumulates the fields every Agg* struct shares.
type base struct {
	count, success, fail int
}

func (b *base) addResult(success bool) {
	b.count++
	if success {
		b.success++
	} else {
		b.fail++
	}
}

func (b *base) toAggregateBase(taskName string, periodStart, periodEnd int64) sample.AggregateBase {
	return sample.AggregateBase{
		TaskName:           taskName,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
		SampleCount:        b.count,
		SuccessCount:       b.success,
		FailCount:          b.fail,
		SuccessRatePercent: percent(b.success, b.count),
	}
}

func aggregatePing(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	latency := newStats()
	err := s.ScanRaw(task.KindPing, taskName, start, end,
		func() any { return &sample.RawPing{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawPing)
			b.addResult(row.Success)
			if row.Success {
				latency.add(row.LatencyMS)
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggPing{
		AggregateBase:     b.toAggregateBase(taskName, start, end),
		MinLatencyMS:      latency.minOrZero(),
		MaxLatencyMS:      latency.maxOrZero(),
		AvgLatencyMS:      latency.mean(),
		StdDevLatencyMS:   latency.stddev(),
		PacketLossPercent: percent(b.fail, b.count),
	}, b.count, nil
}

func aggregateTCP(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	connect := newStats()
	err := s.ScanRaw(task.KindTCP, taskName, start, end,
		func() any { return &sample.RawTCP{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawTCP)
			b.addResult(row.Success)
			if row.Success {
				connect.add(row.ConnectMS)
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggTCP{
		AggregateBase:   b.toAggregateBase(taskName, start, end),
		MinConnectMS:    connect.minOrZero(),
		MaxConnectMS:    connect.maxOrZero(),
		AvgConnectMS:    connect.mean(),
		StdDevConnectMS: connect.stddev(),
	}, b.count, nil
}

func aggregateTLS(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	handshake := newStats()
	validCount := 0
	err := s.ScanRaw(task.KindTLS, taskName, start, end,
		func() any { return &sample.RawTLS{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawTLS)
			b.addResult(row.Success)
			if row.Success {
				handshake.add(row.TLSHandshakeMS)
			}
			if row.SSLValid {
				validCount++
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggTLS{
		AggregateBase:   b.toAggregateBase(taskName, start, end),
		AvgHandshakeMS:  handshake.mean(),
		MinHandshakeMS:  handshake.minOrZero(),
		MaxHandshakeMS:  handshake.maxOrZero(),
		SSLValidPercent: percent(validCount, b.count),
	}, b.count, nil
}

func aggregateHTTPGet(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	total := newStats()
	statusDist := map[int]int{}
	err := s.ScanRaw(task.KindHTTPGet, taskName, start, end,
		func() any { return &sample.RawHTTPGet{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawHTTPGet)
			b.addResult(row.Success)
			if row.Success {
				total.add(row.TotalMS)
			}
			if row.StatusCode != 0 {
				statusDist[row.StatusCode]++
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggHTTPGet{
		AggregateBase:          b.toAggregateBase(taskName, start, end),
		AvgTotalMS:             total.mean(),
		MinTotalMS:             total.minOrZero(),
		MaxTotalMS:             total.maxOrZero(),
		StdDevTotalMS:          total.stddev(),
		StatusCodeDistribution: statusDist,
	}, b.count, nil
}

func aggregateHTTPContent(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	total := newStats()
	matches := 0
	err := s.ScanRaw(task.KindHTTPContent, taskName, start, end,
		func() any { return &sample.RawHTTPContent{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawHTTPContent)
			b.addResult(row.Success)
			if row.Success {
				total.add(row.TotalMS)
			}
			if row.RegexMatch {
				matches++
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggHTTPContent{
		AggregateBase:         b.toAggregateBase(taskName, start, end),
		AvgTotalMS:            total.mean(),
		RegexMatchRatePercent: percent(matches, b.count),
	}, b.count, nil
}

func aggregateDNS(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	query := newStats()
	correct := 0
	err := s.ScanRaw(task.KindDNS, taskName, start, end,
		func() any { return &sample.RawDNS{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawDNS)
			b.addResult(row.Success)
			if row.Success {
				query.add(row.QueryMS)
			}
			if row.CorrectResolution {
				correct++
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggDNS{
		AggregateBase:                b.toAggregateBase(taskName, start, end),
		AvgQueryMS:                   query.mean(),
		CorrectResolutionRatePercent: percent(correct, b.count),
	}, b.count, nil
}

func aggregateBandwidth(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	mbps := newStats()
	err := s.ScanRaw(task.KindBandwidth, taskName, start, end,
		func() any { return &sample.RawBandwidth{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawBandwidth)
			b.addResult(row.Success)
			if row.Success {
				mbps.add(row.MbPS)
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggBandwidth{
		AggregateBase: b.toAggregateBase(taskName, start, end),
		AvgMbps:       mbps.mean(),
		MinMbps:       mbps.minOrZero(),
		MaxMbps:       mbps.maxOrZero(),
	}, b.count, nil
}

func aggregateSQL(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	query := newStats()
	value := newStats()
	haveValue := false
	err := s.ScanRaw(task.KindSQL, taskName, start, end,
		func() any { return &sample.RawSQL{} },
		func(raw any, _ int64) error {
			row := raw.(*sample.RawSQL)
			b.addResult(row.Success)
			if row.Success {
				query.add(row.QueryMS)
			}
			if row.Value != nil {
				value.add(*row.Value)
				haveValue = true
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	agg := &sample.AggSQL{
		AggregateBase: b.toAggregateBase(taskName, start, end),
		AvgQueryMS:    query.mean(),
	}
	if haveValue {
		avg := value.mean()
		agg.AvgValue = &avg
	}
	return agg, b.count, nil
}

func aggregateSNMP(s *store.Store, taskName string, start, end int64) (any, int, error) {
	b := &base{}
	query := newStats()
	err := s.ScanRaw(task.KindSNMP, taskName, start, end,
		func() any { return &sample.RawSNMP{} },
		func(value any, _ int64) error {
			row := value.(*sample.RawSNMP)
			b.addResult(row.Success)
			if row.Success {
				query.add(row.QueryMS)
			}
			return nil
		})
	if err != nil || b.count == 0 {
		return nil, b.count, err
	}
	return &sample.AggSNMP{
		AggregateBase: b.toAggregateBase(taskName, start, end),
		AvgQueryMS:    query.mean(),
	}, b.count, nil
}
