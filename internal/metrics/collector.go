// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/zstok/keygate/internal/services"
)

// LicenseCollector exposes license, activation, and trial gauges. Counters
// are computed on scrape from the stats service rather than maintained
// incrementally, so a scrape is always consistent with the database.
type LicenseCollector struct {
	stats *services.StatsService

	customersTotal    *prometheus.Desc
	licensesTotal     *prometheus.Desc
	licensesActive    *prometheus.Desc
	licensesExpired   *prometheus.Desc
	licensesExpiring  *prometheus.Desc
	licensesByEdition *prometheus.Desc
	activationsTotal  *prometheus.Desc
	activationsActive *prometheus.Desc
	trialsTotal       *prometheus.Desc
	trialsActive      *prometheus.Desc
	trialsConverted   *prometheus.Desc
}

func NewLicenseCollector(stats *services.StatsService) *LicenseCollector {
	return &LicenseCollector{
		stats: stats,
		customersTotal: prometheus.NewDesc("keygate_customers_total",
			"Total number of customers", nil, nil),
		licensesTotal: prometheus.NewDesc("keygate_licenses_total",
			"Total number of issued licenses", nil, nil),
		licensesActive: prometheus.NewDesc("keygate_licenses_active",
			"Number of active, unexpired licenses", nil, nil),
		licensesExpired: prometheus.NewDesc("keygate_licenses_expired",
			"Number of expired licenses", nil, nil),
		licensesExpiring: prometheus.NewDesc("keygate_licenses_expiring_soon",
			"Number of active licenses inside the renewal window", nil, nil),
		licensesByEdition: prometheus.NewDesc("keygate_licenses_by_edition",
			"Number of licenses per edition", []string{"edition"}, nil),
		activationsTotal: prometheus.NewDesc("keygate_activations_total",
			"Total number of license activations", nil, nil),
		activationsActive: prometheus.NewDesc("keygate_activations_active",
			"Number of currently active license activations", nil, nil),
		trialsTotal: prometheus.NewDesc("keygate_trials_total",
			"Total number of trials ever started", nil, nil),
		trialsActive: prometheus.NewDesc("keygate_trials_active",
			"Number of trials currently inside their window", nil, nil),
		trialsConverted: prometheus.NewDesc("keygate_trials_converted",
			"Number of trial machines that activated a full license", nil, nil),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.customersTotal
	ch <- c.licensesTotal
	ch <- c.licensesActive
	ch <- c.licensesExpired
	ch <- c.licensesExpiring
	ch <- c.licensesByEdition
	ch <- c.activationsTotal
	ch <- c.activationsActive
	ch <- c.trialsTotal
	ch <- c.trialsActive
	ch <- c.trialsConverted
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.stats.Dashboard(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect license metrics")
		return
	}

	ch <- prometheus.MustNewConstMetric(c.customersTotal, prometheus.GaugeValue, float64(stats.TotalCustomers))
	ch <- prometheus.MustNewConstMetric(c.licensesTotal, prometheus.GaugeValue, float64(stats.TotalLicenses))
	ch <- prometheus.MustNewConstMetric(c.licensesActive, prometheus.GaugeValue, float64(stats.ActiveLicenses))
	ch <- prometheus.MustNewConstMetric(c.licensesExpired, prometheus.GaugeValue, float64(stats.ExpiredLicenses))
	ch <- prometheus.MustNewConstMetric(c.licensesExpiring, prometheus.GaugeValue, float64(stats.ExpiringSoon))
	ch <- prometheus.MustNewConstMetric(c.activationsTotal, prometheus.GaugeValue, float64(stats.TotalActivations))
	ch <- prometheus.MustNewConstMetric(c.activationsActive, prometheus.GaugeValue, float64(stats.ActiveActivations))
	ch <- prometheus.MustNewConstMetric(c.trialsTotal, prometheus.GaugeValue, float64(stats.Trials.Total))
	ch <- prometheus.MustNewConstMetric(c.trialsActive, prometheus.GaugeValue, float64(stats.Trials.Active))
	ch <- prometheus.MustNewConstMetric(c.trialsConverted, prometheus.GaugeValue, float64(stats.Trials.Converted))

	for edition, count := range stats.EditionDistribution {
		ch <- prometheus.MustNewConstMetric(c.licensesByEdition, prometheus.GaugeValue, float64(count), edition)
	}
}
