package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/ayusman/spotwise/internal/store"
)

func camerasCommand() *cli.Command {
	return &cli.Command{
		Name:  "cameras",
		Usage: "manage named video sources",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list cameras",
				Action: withStore(listCameras),
			},
			{
				Name:      "add",
				Usage:     "add a camera",
				ArgsUsage: "NAME VIDEO_PATH",
				Action:    withStore(addCamera),
			},
			{
				Name:      "remove",
				Usage:     "remove a camera by id or name",
				ArgsUsage: "ID|NAME",
				Action:    withStore(removeCamera),
			},
		},
	}
}

// withStore opens the configured camera catalog for the duration of action.
func withStore(action func(*cli.Context, *store.Store) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		st, err := store.New(cfg.Store.Path)
		if err != nil {
			return errors.Wrap(err, "open camera catalog")
		}
		defer func() { err = multierr.Append(err, st.Close()) }()

		return action(c, st)
	}
}

func listCameras(c *cli.Context, st *store.Store) error {
	cameras, err := st.Cameras().List()
	if err != nil {
		return err
	}
	return printCameras(c.App.Writer, cameras)
}

func printCameras(out io.Writer, cameras []*store.Camera) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVIDEO PATH")
	for _, cam := range cameras {
		fmt.Fprintf(w, "%s\t%s\t%s\n", cam.ID, cam.Name, cam.VideoPath)
	}
	return w.Flush()
}

func addCamera(c *cli.Context, st *store.Store) error {
	if c.NArg() != 2 {
		return errors.New("usage: spotwise cameras add NAME VIDEO_PATH")
	}

	cam := &store.Camera{
		ID:        uuid.New().String(),
		Name:      c.Args().Get(0),
		VideoPath: c.Args().Get(1),
	}
	if err := st.Cameras().Create(cam); err != nil {
		return errors.Wrapf(err, "add camera %s", cam.Name)
	}

	fmt.Fprintln(c.App.Writer, cam.ID)
	return nil
}

func removeCamera(c *cli.Context, st *store.Store) error {
	if c.NArg() != 1 {
		return errors.New("usage: spotwise cameras remove ID|NAME")
	}
	ref := c.Args().First()

	cam, err := st.Cameras().GetByID(ref)
	if errors.Is(err, store.ErrNotFound) {
		cam, err = st.Cameras().GetByName(ref)
	}
	if err != nil {
		return errors.Wrapf(err, "camera %s", ref)
	}

	return st.Cameras().Delete(cam.ID)
}
