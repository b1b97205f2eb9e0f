package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"PressureServer/config"
	"PressureServer/mprls"
	"PressureServer/ms5803"
	"PressureServer/transport"
	"github.com/aldernero/scd4x"
	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/all"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

type ProgramArgs struct {
	// Server Options
	Host string `short:"H" long:"host" default:"127.0.0.1" description:"IP to listen on"`
	Port uint16 `short:"P" long:"port" default:"27315" description:"Port to listen on"`

	// Bus Options
	Backend   string `short:"B" long:"backend" default:"periph" choice:"periph" choice:"embd" description:"I2C driver stack"`
	I2CDevice string `short:"D" long:"i2cdev" description:"The used I2C device for periph (default: auto)"`
	EmbdBus   byte   `long:"embd-bus" default:"1" description:"I2C bus number for embd"`

	// Sensor Options
	Interval uint16 `short:"I" long:"interval" default:"5" description:"Interval between readings"`
	Config   string `short:"c" long:"config" description:"YAML sensor list, replaces --ms5803/--mprls"`
	MS5803   string `long:"ms5803" default:"0x77" description:"MS5803 address (0x76, 0x77 or off)"`
	MPRLS    string `long:"mprls" default:"off" description:"MPRLS address (0x08, 0x18, 0x28, 0x38 or off)"`
	Transfer string `long:"mprls-transfer" default:"default" choice:"default" choice:"datasheet" description:"MPRLS count to pressure transfer function"`
	SCD4x    bool   `long:"scd4x" description:"Also read an SCD4x CO2/humidity sensor (periph only)"`
	Debug    bool   `short:"d" long:"debug" description:"Log raw sensor values"`
}

var args ProgramArgs

const (
	MIN_TIMEOUT_SECONDS = 2
)

// loadConfig returns the sensor list from --config, or builds it from flags.
func loadConfig(a ProgramArgs) (*config.Config, error) {
	if a.Config != "" {
		return config.Load(a.Config)
	}

	cfg := &config.Config{Poll: config.PollConfig{IntervalMs: int(a.Interval) * 1000}}
	if a.MS5803 != "off" {
		addr, err := ms5803.ParseAddr(a.MS5803)
		if err != nil {
			return nil, err
		}
		cfg.Sensors = append(cfg.Sensors, config.SensorConfig{Type: config.TypeMS5803, Address: uint16(addr)})
	}
	if a.MPRLS != "off" {
		addr, err := mprls.ParseAddr(a.MPRLS)
		if err != nil {
			return nil, err
		}
		cfg.Sensors = append(cfg.Sensors, config.SensorConfig{
			Type:     config.TypeMPRLS,
			Address:  uint16(addr),
			Transfer: a.Transfer,
		})
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)
	return cfg, nil
}

func getOutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP
}

func setupI2CBus(i2cdev string) i2c.BusCloser {
	if _, err := host.Init(); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	bus, err := i2creg.Open(i2cdev)
	if err != nil {
		log.Fatalf("Couldn't open I2C device: %v", err)
	}

	return bus
}

// setupTransport opens the bus of the selected backend. The periph bus is
// also returned since the SCD4x driver talks to it directly; it is nil for
// embd. The caller has the responsibility to call the close function.
func setupTransport(a ProgramArgs) (transport.Transport, i2c.BusCloser, func()) {
	switch a.Backend {
	case "embd":
		t := transport.NewEmbd(embd.NewI2CBus(a.EmbdBus))
		return t, nil, func() { t.Close() }
	default:
		bus := setupI2CBus(a.I2CDevice)
		return transport.NewPeriph(bus), bus, func() { bus.Close() }
	}
}

func setupSCDSensor(i2cBus i2c.BusCloser) *scd4x.SCD4x {
	sensor, err := scd4x.SensorInit(i2cBus, false)
	if err != nil {
		log.Fatalln(err.Error())
	}

	fmt.Println("Initializing SCD4x…")
	if err := sensor.StopMeasurements(); err != nil {
		log.Fatalf("Error while trying to stop periodic measurements: %v\n", err)
	}
	if err := sensor.StartMeasurements(); err != nil {
		log.Fatalf("Error while trying to start periodic measurements: %v\n", err)
	}
	fmt.Println("Done")

	return sensor
}

func scdReader(dev *scd4x.SCD4x) func(now time.Time) (CompanionReading, error) {
	return func(now time.Time) (CompanionReading, error) {
		scdData, err := dev.ReadMeasurement()
		if err != nil {
			return CompanionReading{}, err
		}
		c := CompanionReading{Updated: now, UpdatedStr: now.Format("2006-01-02 15:04:05")}
		c.Humidity = scdData.Rh
		c.CO2 = scdData.CO2
		return c, nil
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	jsonStr, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonStr); err != nil {
		log.Printf("Couldn't send response: %v\n", err)
	}
}

func newRouter(st *store, reg *prometheus.Registry, now func() time.Time) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, st.document(now()))
	}).Methods(http.MethodGet)
	r.HandleFunc("/sensors/{name}", func(w http.ResponseWriter, r *http.Request) {
		reading, ok := st.get(mux.Vars(r)["name"], now())
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, reading)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func main() {
	args = ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	_, err := argParser.Parse()
	if err != nil {
		log.Fatal("arg parse fail")
	}

	cfg, err := loadConfig(args)
	if err != nil {
		log.Fatalf("Invalid sensor configuration: %v", err)
	}

	// Boring i2c setup (error handling happens in these functions)
	tr, periphBus, closeBus := setupTransport(args)
	defer closeBus()

	reg := prometheus.NewRegistry()
	m := newMetrics(reg)

	sensors, err := buildSensors(cfg, tr, m, args.Debug)
	if err != nil {
		log.Fatalf("Couldn't initialize sensors: %v", err)
	}

	st := newStore(cfg)
	p := &poller{sensors: sensors, store: st, metrics: m, now: time.Now}

	if args.SCD4x {
		if periphBus == nil {
			log.Fatal("--scd4x needs the periph backend")
		}
		scdDev := setupSCDSensor(periphBus)
		defer scdDev.StopMeasurements()
		p.companion = scdReader(scdDev)

		fmt.Println("Waking up in a second…")
		// give the sensor time to wake up
		time.Sleep(1 * time.Second)
	}

	// Start background measurements
	ctx, stopPolling := context.WithCancel(context.Background())
	defer stopPolling()
	interval := time.Duration(cfg.Poll.IntervalMs) * time.Millisecond
	go p.run(ctx, interval)

	timeoutLen := max(MIN_TIMEOUT_SECONDS, int(interval/time.Second))

	addr := fmt.Sprintf("%s:%d", args.Host, args.Port)
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  time.Duration(timeoutLen) * time.Second,
		WriteTimeout: time.Duration(timeoutLen) * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      newRouter(st, reg, time.Now),
	}

	go func() {
		if args.Host == "0.0.0.0" {
			localIP := getOutboundIP() // resolve local IP for easier debugging
			log.Printf("Listening on %s:%d…\n", localIP.String(), args.Port)
		} else {
			log.Printf("Listening on %s…\n", addr)
		}

		err := srv.ListenAndServe()
		log.Printf("Shutdown (%v)\n", err)
	}()

	sigChan := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
	// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
	signal.Notify(sigChan, os.Interrupt)

	<-sigChan

	stopPolling()

	// Give the server a timeout period of 4 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline.
	_ = srv.Shutdown(ctx)
}
