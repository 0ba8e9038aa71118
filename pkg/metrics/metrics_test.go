package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/session"
)

var _ session.Recorder = (*Manager)(nil)

func TestManager(t *testing.T) {
	Convey("Given a metrics manager on a private registry", t, func() {
		registry := prometheus.NewRegistry()
		m := New(registry)

		Convey("When frames and matches are observed", func() {
			m.ObserveFrame(2)
			m.ObserveFrame(0)
			m.ObserveMatch(true, 0.3)
			m.ObserveMatch(false, 0.6)
			m.ObserveMatch(true, 0.2)
			m.ObserveSkipped()

			Convey("Then the counters reflect them", func() {
				So(testutil.ToFloat64(m.frames), ShouldEqual, 2)
				So(testutil.ToFloat64(m.faces), ShouldEqual, 2)
				So(testutil.ToFloat64(m.skipped), ShouldEqual, 1)
				So(testutil.ToFloat64(m.matches.WithLabelValues("accepted")), ShouldEqual, 2)
				So(testutil.ToFloat64(m.matches.WithLabelValues("unknown")), ShouldEqual, 1)
			})
		})

		Convey("When ledger appends are observed", func() {
			m.ObserveAppend(ledger.Inserted, nil)
			m.ObserveAppend(ledger.AlreadyPresent, nil)
			m.ObserveAppend(ledger.AlreadyPresent, nil)
			m.ObserveAppend(ledger.Inserted, errors.New("disk full"))

			Convey("Then outcomes and errors are counted separately", func() {
				So(testutil.ToFloat64(m.appends.WithLabelValues("inserted")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.appends.WithLabelValues("already_present")), ShouldEqual, 2)
				So(testutil.ToFloat64(m.appends.WithLabelValues("error")), ShouldEqual, 1)
			})
		})

		Convey("When the gallery size and HTTP requests are recorded", func() {
			m.SetGalleryIdentities(12)
			m.ObserveHTTP("GET", "/healthz", 200, 3*time.Millisecond)

			Convey("Then they are exported", func() {
				So(testutil.ToFloat64(m.identities), ShouldEqual, 12)
				So(testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/healthz", "200")), ShouldEqual, 1)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
			})
		})
	})
}

func TestNew_CustomNamespace(t *testing.T) {
	Convey("Given a custom namespace", t, func() {
		registry := prometheus.NewRegistry()
		m := New(registry, WithNamespace("station"), WithDistanceBuckets([]float64{0.5}))
		m.ObserveFrame(1)

		Convey("Then metric names use it", func() {
			families, err := registry.Gather()
			So(err, ShouldBeNil)
			names := make([]string, 0, len(families))
			for _, f := range families {
				names = append(names, f.GetName())
			}
			So(names, ShouldContain, "station_session_frames_total")
		})
	})
}

func TestNew_DoubleRegistrationPanics(t *testing.T) {
	Convey("Given a registry that already has the instruments", t, func() {
		registry := prometheus.NewRegistry()
		New(registry)

		Convey("Then registering again panics", func() {
			So(func() { New(registry) }, ShouldPanic)
		})
	})
}
