/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package manager

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmkol/tiercache/pkg/cache"
)

// Metrics counts cache events. It implements prometheus.Collector.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	hits        [4]atomic.Uint64 // indexed by cache.TierID
	misses      [4]atomic.Uint64
	unavailable [4]atomic.Uint64
	promotions  [4]atomic.Uint64

	fullMisses         atomic.Uint64
	versionConflicts   atomic.Uint64
	evictions          atomic.Uint64
	durabilityFailures atomic.Uint64

	queueDepth atomic.Pointer[func() int]

	hitsDesc, missesDesc, unavailableDesc, promotionsDesc *prometheus.Desc
	fullMissesDesc, conflictsDesc, evictionsDesc         *prometheus.Desc
	durabilityDesc, queueDepthDesc                       *prometheus.Desc
}

var _ prometheus.Collector = (*Metrics)(nil)

func NewMetrics() *Metrics {
	tierLabel := []string{"tier"}
	return &Metrics{
		hitsDesc:        prometheus.NewDesc("tier_hits_total", "Lookups answered by the tier.", tierLabel, nil),
		missesDesc:      prometheus.NewDesc("tier_misses_total", "Lookups the tier could not answer.", tierLabel, nil),
		unavailableDesc: prometheus.NewDesc("tier_unavailable_total", "Calls that failed because the tier was unreachable.", tierLabel, nil),
		promotionsDesc:  prometheus.NewDesc("promotions_total", "Entries copied into the tier after a hit below it.", tierLabel, nil),
		fullMissesDesc:  prometheus.NewDesc("full_misses_total", "Lookups no tier could answer.", nil, nil),
		conflictsDesc:   prometheus.NewDesc("version_conflicts_total", "Writes discarded because a tier held a newer version.", nil, nil),
		evictionsDesc:   prometheus.NewDesc("l1_evictions_total", "Entries evicted from L1 for capacity.", nil, nil),
		durabilityDesc:  prometheus.NewDesc("durability_failures_total", "Writes that could not be made durable.", nil, nil),
		queueDepthDesc:  prometheus.NewDesc("writeback_queue_depth", "Write-back tasks queued or in delivery.", nil, nil),
	}
}

// TierStats is a snapshot of one tier's counters.
type TierStats struct {
	Hits        uint64
	Misses      uint64
	Unavailable uint64
	Promotions  uint64
}

type Stats struct {
	L1, L2, L3 TierStats

	FullMisses         uint64
	VersionConflicts   uint64
	Evictions          uint64
	DurabilityFailures uint64
	QueueDepth         int
}

func (m *Metrics) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	tier := func(t cache.TierID) TierStats {
		return TierStats{
			Hits:        m.hits[t].Load(),
			Misses:      m.misses[t].Load(),
			Unavailable: m.unavailable[t].Load(),
			Promotions:  m.promotions[t].Load(),
		}
	}
	return Stats{
		L1:                 tier(cache.TierL1),
		L2:                 tier(cache.TierL2),
		L3:                 tier(cache.TierL3),
		FullMisses:         m.fullMisses.Load(),
		VersionConflicts:   m.versionConflicts.Load(),
		Evictions:          m.evictions.Load(),
		DurabilityFailures: m.durabilityFailures.Load(),
		QueueDepth:         m.depth(),
	}
}

func (m *Metrics) setQueueDepthFunc(f func() int) {
	if m != nil && f != nil {
		m.queueDepth.Store(&f)
	}
}

func (m *Metrics) depth() int {
	if f := m.queueDepth.Load(); f != nil {
		return (*f)()
	}
	return 0
}

func (m *Metrics) hit(t cache.TierID) {
	if m != nil {
		m.hits[t].Add(1)
	}
}

func (m *Metrics) miss(t cache.TierID, unavailable bool) {
	if m == nil {
		return
	}
	m.misses[t].Add(1)
	if unavailable {
		m.unavailable[t].Add(1)
	}
}

func (m *Metrics) fullMiss() {
	if m != nil {
		m.fullMisses.Add(1)
	}
}

func (m *Metrics) promoted(t cache.TierID) {
	if m != nil {
		m.promotions[t].Add(1)
	}
}

func (m *Metrics) conflict() {
	if m != nil {
		m.versionConflicts.Add(1)
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.evictions.Add(1)
	}
}

func (m *Metrics) durabilityFailure() {
	if m != nil {
		m.durabilityFailures.Add(1)
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		m.hitsDesc, m.missesDesc, m.unavailableDesc, m.promotionsDesc,
		m.fullMissesDesc, m.conflictsDesc, m.evictionsDesc, m.durabilityDesc, m.queueDepthDesc,
	} {
		ch <- d
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, t := range []cache.TierID{cache.TierL1, cache.TierL2, cache.TierL3} {
		ch <- prometheus.MustNewConstMetric(m.hitsDesc, prometheus.CounterValue, float64(m.hits[t].Load()), t.String())
		ch <- prometheus.MustNewConstMetric(m.missesDesc, prometheus.CounterValue, float64(m.misses[t].Load()), t.String())
		ch <- prometheus.MustNewConstMetric(m.unavailableDesc, prometheus.CounterValue, float64(m.unavailable[t].Load()), t.String())
		if t != cache.TierL3 {
			ch <- prometheus.MustNewConstMetric(m.promotionsDesc, prometheus.CounterValue, float64(m.promotions[t].Load()), t.String())
		}
	}
	ch <- prometheus.MustNewConstMetric(m.fullMissesDesc, prometheus.CounterValue, float64(m.fullMisses.Load()))
	ch <- prometheus.MustNewConstMetric(m.conflictsDesc, prometheus.CounterValue, float64(m.versionConflicts.Load()))
	ch <- prometheus.MustNewConstMetric(m.evictionsDesc, prometheus.CounterValue, float64(m.evictions.Load()))
	ch <- prometheus.MustNewConstMetric(m.durabilityDesc, prometheus.CounterValue, float64(m.durabilityFailures.Load()))
	ch <- prometheus.MustNewConstMetric(m.queueDepthDesc, prometheus.GaugeValue, float64(m.depth()))
}
