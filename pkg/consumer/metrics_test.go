package consumer_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omaskery/frametrace/pkg/consumer"
)

var _ = Describe("Collector", func() {
	It("exports the consumer's counters", func() {
		s := newSession(baseConfig())
		s.warmUp()
		s.failed(appPid, appTid, swapChain)
		s.lost(appPid, 12, 0x2)

		registry := prometheus.NewRegistry()
		Expect(registry.Register(consumer.NewCollector(s.c))).To(Succeed())

		families, err := registry.Gather()
		Expect(err).NotTo(HaveOccurred())

		values := map[string]float64{}
		for _, family := range families {
			for _, m := range family.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					values[family.GetName()] = m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					values[family.GetName()] = m.GetGauge().GetValue()
				}
			}
		}

		Expect(values).To(HaveKeyWithValue("frametrace_presents_completed_total", 2.0))
		Expect(values).To(HaveKeyWithValue("frametrace_presents_lost_total", 1.0))
		Expect(values).To(HaveKeyWithValue("frametrace_warmup_discards_total", 1.0))
		Expect(values).To(HaveKeyWithValue("frametrace_completed_overflow_total", 0.0))
		Expect(values).To(HaveKeyWithValue("frametrace_presents_ready", 2.0))
	})
})
