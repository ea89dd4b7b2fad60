package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jrockway/nixie-clock/control/animator"
	"github.com/jrockway/nixie-clock/control/api"
	"github.com/jrockway/nixie-clock/control/clock"
	"github.com/jrockway/nixie-clock/control/config"
	"github.com/jrockway/nixie-clock/control/led"
	"github.com/jrockway/nixie-clock/control/nixie"
	"github.com/jrockway/nixie-clock/control/screen"
	"github.com/jrockway/nixie-clock/control/timesource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var (
	bind      = flag.String("bind", ":8080", "address to bind for the api/debug/metrics server")
	configDir = flag.String("config-dir", "/var/lib/nixie-clock", "directory that user settings are saved in")

	ledKind    = flag.String("led", "apa102", "backlight type: apa102, dotstar, or none")
	spiPort    = flag.String("spi", "", "periph spi port that an apa102 backlight is on; empty for the first one")
	dotstarDev = flag.String("dotstar-dev", "/dev/spidev0.0", "spidev device that a dotstar backlight is on")

	decoder       = flag.String("decoder", "gpio", "how the bcd decoder is wired: gpio, spidev, or none")
	bcdPins       = flag.String("bcd-pins", "GPIO17,GPIO27,GPIO22,GPIO23", "comma-separated gpio names for decoder inputs A, B, C, D")
	decoderSpidev = flag.String("decoder-spidev", "/dev/spidev1.0", "spidev device of the decoder's shift register")
	tubeWiring    = flag.String("tube", "in14", "cathode wiring of the tube: in14 or identity")

	useRTC     = flag.Bool("rtc", true, "read and set a ds3231 real time clock")
	i2cBus     = flag.String("i2c", "", "periph i2c bus that the rtc is on; empty for the first one")
	chronyAddr = flag.String("chrony", "localhost:323", "chronyd command address; empty to never use network time")

	introPeriod    = flag.Uint("intro-period", uint(animator.DefaultTiming.IntroDigitPeriod), "milliseconds each countdown digit is shown")
	digitDuration  = flag.Uint("digit-duration", uint(animator.DefaultTiming.DigitDuration), "milliseconds each digit of the time is shown")
	pauseDuration  = flag.Uint("pause-duration", uint(animator.DefaultTiming.PauseDuration), "milliseconds between repetitions of the time")
	repeat         = flag.Int("repeat", 3, "how many times the time is shown at the top of each minute")
	envelopePeriod = flag.Duration("envelope-period", 4*time.Millisecond, "how often the backlight brightness envelope advances")
)

// nopLines is a decoder that isn't connected to anything.
type nopLines struct{}

func (nopLines) Decode(uint8) error { return nil }

func openScreen() (*screen.Screen, error) {
	switch *ledKind {
	case "apa102":
		p, err := spireg.Open(*spiPort)
		if err != nil {
			return nil, fmt.Errorf("open spi port %q: %w", *spiPort, err)
		}
		return screen.New(p)
	case "dotstar":
		return screen.NewDotstar(*dotstarDev)
	case "none":
		return screen.New(nil)
	}
	return nil, fmt.Errorf("unknown backlight type %q", *ledKind)
}

func openDecoder() (nixie.Lines, error) {
	switch *decoder {
	case "gpio":
		names := strings.Split(*bcdPins, ",")
		if len(names) != 4 {
			return nil, fmt.Errorf("-bcd-pins needs 4 pins, got %d", len(names))
		}
		return nixie.OpenGPIOLines([4]string{names[0], names[1], names[2], names[3]})
	case "spidev":
		return nixie.OpenSPILines(*decoderSpidev)
	case "none":
		return nopLines{}, nil
	}
	return nil, fmt.Errorf("unknown decoder type %q", *decoder)
}

func main() {
	flag.Parse()
	if _, err := host.Init(); err != nil {
		log.Fatalf("init periph.io: %v", err)
	}

	store, err := config.NewStore(*configDir)
	if err != nil {
		log.Fatalf("open config store: %v", err)
	}

	scr, err := openScreen()
	if err != nil {
		log.Fatalf("init backlight: %v", err)
	}
	scr.Blank()

	lines, err := openDecoder()
	if err != nil {
		log.Fatalf("init decoder: %v", err)
	}
	table := nixie.IN14
	if *tubeWiring == "identity" {
		table = nixie.Identity
	}
	tube := nixie.NewTube(lines, table)
	tube.OnChange = scr.SetDigit

	info, ok := store.LoadLedInfo()
	if !ok {
		info = led.Info{State: led.Off}
	}
	envelope := led.NewEnvelope(scr, info)

	var net timesource.NetworkClock
	if *chronyAddr != "" {
		net = timesource.NewChrony(*chronyAddr)
	}
	var rtc timesource.RealTimeClock
	var bus i2c.BusCloser
	if *useRTC {
		bus, err = i2creg.Open(*i2cBus)
		if err != nil {
			bus = nil
			log.Printf("open i2c bus %q: %v; continuing without rtc", *i2cBus, err)
		} else {
			if err := bus.SetSpeed(400 * physic.KiloHertz); err != nil {
				log.Printf("set i2c bus speed: %v", err)
			}
			rtc = timesource.NewDS3231(bus)
		}
	}
	arbiter := timesource.NewArbiter(net, rtc)

	cl := clock.New(clock.Options{
		Tube:  tube,
		LED:   envelope,
		Time:  arbiter,
		Store: store,
		Timing: animator.Timing{
			IntroDigitPeriod: uint32(*introPeriod),
			DigitDuration:    uint32(*digitDuration),
			PauseDuration:    uint32(*pauseDuration),
		},
		RepeatTimes:    *repeat,
		EnvelopePeriod: *envelopePeriod,
	})
	arbiter.OnSync = func(time.Time) {
		cl.RecheckSleep()
		cl.ShowCurrentTime(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	http.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/display.png", http.StatusFound)
	})
	http.Handle("/api/v1/", api.New(cl))
	http.Handle("/display.png", scr)
	http.Handle("/metrics", promhttp.Handler())

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: *bind}
	go func() {
		log.Printf("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	loopDoneCh := make(chan error)
	go func() {
		err := cl.Run(ctx)
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	go func() {
		if src := arbiter.Init(ctx); src != timesource.None {
			cl.RecheckSleep()
			cl.ShowCurrentTime(1)
		}
		if err := arbiter.Run(ctx); err != nil {
			log.Printf("time source loop exited: %v", err)
		}
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		log.Printf("http server died: %v", err)
		httpAlive = false
	case err := <-loopDoneCh:
		log.Printf("clock loop died: %v", err)
	case <-sigCh:
		log.Printf("interrupt")
	}
	signal.Stop(sigCh)
	cancel()
	<-loopDoneCh
	if err := tube.HideDigit(); err != nil {
		log.Printf("blank tube: %v", err)
	}
	if err := scr.Close(); err != nil {
		log.Printf("turn off backlight: %v", err)
	}
	if bus != nil {
		bus.Close()
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	os.Exit(1)
}
