package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danferreira/gswarm/internal/index"
	"github.com/danferreira/gswarm/internal/node"
)

func newAddCmd() *cobra.Command {
	var (
		rec  index.Record
		from string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an object this device should download",
		Long: "Register an object this device should download. With --from, name, size\n" +
			"and hash are taken from a local file, which is also used as a copy source.\n" +
			"The index is locked while a node is running.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			if from != "" {
				file, err := node.DescribeFile(from)
				if err != nil {
					return err
				}
				if rec.Name == "" {
					rec.Name = file.Name
				}
				rec.Size, rec.Hash, rec.LocalSource = file.Size, file.Hash, file.LocalSource
			}

			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			if rec.Hash == "" || rec.Size <= 0 {
				return errors.New("--hash and a positive --size are required without --from")
			}
			if rec.Name == "" {
				rec.Name = rec.ID
			}

			x, err := index.Open(c.IndexDir())
			if err != nil {
				return err
			}
			defer x.Close()

			if err := x.Add(rec); err != nil {
				return err
			}

			fmt.Println(successStyle.Render("added"), rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&rec.ID, "id", "", "Object id (default: random uuid)")
	cmd.Flags().StringVar(&rec.FileUUID, "file-uuid", "", "Optional file uuid")
	cmd.Flags().StringVar(&rec.Name, "name", "", "Display name")
	cmd.Flags().Int64Var(&rec.Size, "size", 0, "Object size in bytes")
	cmd.Flags().StringVar(&rec.Hash, "hash", "", "Expected SHA-256 of the object, hex encoded")
	cmd.Flags().IntVarP(&rec.Priority, "priority", "p", 0, "Larger values are downloaded first")
	cmd.Flags().StringVar(&from, "from", "", "Describe the object from a local file")

	return cmd
}
