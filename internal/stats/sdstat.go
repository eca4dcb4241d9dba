package stats

import (
	"math"
	"time"
)

// SDStat summarizes a set of measurements.
type SDStat struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	SD   float64 `json:"sd"`
	// WithinSD is the fraction (0..1) of values in [Mean-SD, Mean+SD].
	WithinSD float64 `json:"within_sd"`
}

// SDStats groups the summary statistics printed at the end of a run. Time
// values are in seconds.
type SDStats struct {
	Request SDStat `json:"request"`
	Connect SDStat `json:"connect"`
	TTFB    SDStat `json:"ttfb"`
	RPS     SDStat `json:"rps"`
}

// Compute returns min, max, mean, standard deviation and the within-one-sd
// fraction of samples. Population variance is used unless sampled is true
// and more than one value is present, in which case the sample variance is.
func Compute(samples []float64, sampled bool) SDStat {
	if len(samples) == 0 {
		return SDStat{}
	}

	res := SDStat{Min: math.MaxFloat64, Max: -math.MaxFloat64}
	var a, q, sum float64
	var n float64
	for _, t := range samples {
		n++
		res.Min = math.Min(res.Min, t)
		res.Max = math.Max(res.Max, t)
		sum += t
		na := a + (t-a)/n
		q += (t - a) * (t - na)
		a = na
	}

	res.Mean = sum / n
	div := n
	if sampled && n > 1 {
		div = n - 1
	}
	res.SD = math.Sqrt(q / div)
	res.WithinSD = WithinSD(samples, res.Mean, res.SD)
	return res
}

// WithinSD returns the fraction of samples in [mean-sd, mean+sd].
func WithinSD(samples []float64, mean, sd float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	lower, upper := mean-sd, mean+sd
	m := 0
	for _, t := range samples {
		if lower <= t && t <= upper {
			m++
		}
	}
	return float64(m) / float64(len(samples))
}

// WorkerSamples is what one finished worker contributes to the summary.
type WorkerSamples struct {
	Requests        []RequestStat
	RequestsSampled bool
	Clients         []ClientStat
	ClientsSampled  bool
}

// ProcessTimeStats merges the sampled measurements of all workers into the
// request, connect, time-to-first-byte and per-client rps statistics.
func ProcessTimeStats(workers []WorkerSamples) SDStats {
	var (
		requestSampled, clientSampled bool
		nreq, ncli                    int
	)
	for _, w := range workers {
		nreq += len(w.Requests)
		ncli += len(w.Clients)
		requestSampled = requestSampled || w.RequestsSampled
		clientSampled = clientSampled || w.ClientsSampled
	}

	requestTimes := make([]float64, 0, nreq)
	connectTimes := make([]float64, 0, ncli)
	ttfbTimes := make([]float64, 0, ncli)
	rpsValues := make([]float64, 0, ncli)

	for _, w := range workers {
		for _, rs := range w.Requests {
			if !rs.Completed {
				continue
			}
			requestTimes = append(requestTimes, seconds(rs.StreamCloseTime.Sub(rs.RequestTime)))
		}

		for _, cs := range w.Clients {
			if !cs.ClientStartTime.IsZero() && !cs.ClientEndTime.IsZero() {
				if t := seconds(cs.ClientEndTime.Sub(cs.ClientStartTime)); t > 1e-9 {
					rpsValues = append(rpsValues, float64(cs.ReqSuccess)/t)
				}
			}

			// connect happens before the first byte
			if cs.ConnectStartTime.IsZero() || cs.ConnectTime.IsZero() {
				continue
			}
			connectTimes = append(connectTimes, seconds(cs.ConnectTime.Sub(cs.ConnectStartTime)))

			if cs.TTFB.IsZero() {
				continue
			}
			ttfbTimes = append(ttfbTimes, seconds(cs.TTFB.Sub(cs.ConnectStartTime)))
		}
	}

	return SDStats{
		Request: Compute(requestTimes, requestSampled),
		Connect: Compute(connectTimes, clientSampled),
		TTFB:    Compute(ttfbTimes, clientSampled),
		RPS:     Compute(rpsValues, clientSampled),
	}
}

// RequestKey identifies a request template inside a scenario.
type RequestKey struct {
	Scenario int
	Request  int
}

// ProcessScenarioStats computes request latency statistics per scenario
// request template. The returned map only holds keys that saw completed
// requests.
func ProcessScenarioStats(workers []WorkerSamples) map[RequestKey]SDStat {
	sampled := false
	times := make(map[RequestKey][]float64)
	for _, w := range workers {
		sampled = sampled || w.RequestsSampled
		for _, rs := range w.Requests {
			if !rs.Completed {
				continue
			}
			k := RequestKey{Scenario: rs.ScenarioIndex, Request: rs.RequestIndex}
			times[k] = append(times[k], seconds(rs.StreamCloseTime.Sub(rs.RequestTime)))
		}
	}

	out := make(map[RequestKey]SDStat, len(times))
	for k, v := range times {
		out[k] = Compute(v, sampled)
	}
	return out
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}
