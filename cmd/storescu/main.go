// Command storescu is a debugging tool that verifies connectivity to a
// storage SCP and optionally sends part-10 files to it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/client"
	"github.com/radbridge/dicom-adapter/types"
)

type options struct {
	Addr      string        `short:"a" long:"addr" description:"SCP address host:port" required:"true"`
	CallingAE string        `long:"calling-ae" description:"Our AE title" default:"STORESCU"`
	CalledAE  string        `long:"called-ae" description:"Remote AE title" required:"true"`
	Timeout   time.Duration `long:"timeout" description:"DIMSE timeout" default:"30s"`

	Args struct {
		Files []string `positional-arg-name:"file" description:"Part-10 files to send"`
	} `positional-args:"true"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}

	log := logrus.NewEntry(logrus.New())
	if err := run(opts, log); err != nil {
		log.WithError(err).Fatal("storescu failed")
	}
}

func run(opts options, log *logrus.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	abstracts := []string{types.VerificationSOPClass}
	abstracts = append(abstracts, types.DefaultStorageSOPClasses...)

	assoc, err := client.Dial(ctx, client.Config{
		Addr:          opts.Addr,
		LocalAETitle:  opts.CallingAE,
		RemoteAETitle: opts.CalledAE,
		DIMSETimeout:  opts.Timeout,
	}, abstracts, log)
	if err != nil {
		return err
	}
	defer assoc.Release(context.WithoutCancel(ctx))

	if err := assoc.Echo(ctx); err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	log.Info("echo succeeded")

	for _, path := range opts.Args.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := assoc.Store(ctx, data); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		log.WithField("file", path).Info("stored")
	}
	return nil
}
