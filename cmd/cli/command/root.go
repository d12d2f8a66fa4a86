package command

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRootCommand 创建根命令
func NewRootCommand(c *Client) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "iotagent-cli",
		Short:         "Console for the IoT Agent provisioning API",
		Long:          `iotagent-cli lists, provisions and removes devices and configuration groups of a running agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.BaseURL, "url", c.BaseURL, "provisioning API base url")
	rootCmd.PersistentFlags().StringVarP(&c.Service, "service", "s", c.Service, "fiware-service header")
	rootCmd.PersistentFlags().StringVarP(&c.Subservice, "subservice", "p", c.Subservice, "fiware-servicepath header")
	rootCmd.PersistentFlags().StringVarP(&c.Output, "output", "o", c.Output, "output format: yaml|json")

	rootCmd.AddCommand(newDevicesCommand(c), newGroupsCommand(c))
	return rootCmd
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}

func newDevicesCommand(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage provisioned devices",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the devices of the current service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.do(cmd.Context(), http.MethodGet, "/iot/devices", pageQuery(limit, offset), nil)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	get := &cobra.Command{
		Use:   "get <deviceId>",
		Short: "Show a single device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.do(cmd.Context(), http.MethodGet, "/iot/devices/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}

	provision := &cobra.Command{
		Use:   "provision <file>",
		Short: "Provision the devices described in a yaml file ({devices: [...]})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := loadPayload(args[0])
			if err != nil {
				return err
			}
			out, err := c.do(cmd.Context(), http.MethodPost, "/iot/devices", nil, body)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <deviceId>",
		Short: "Remove a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.do(cmd.Context(), http.MethodDelete, "/iot/devices/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}

	cmd.AddCommand(list, get, provision, remove)
	return cmd
}

func newGroupsCommand(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "groups",
		Aliases: []string{"services"},
		Short:   "Manage configuration groups",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the configuration groups of the current service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.do(cmd.Context(), http.MethodGet, "/iot/groups", pageQuery(limit, offset), nil)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	provision := &cobra.Command{
		Use:   "provision <file>",
		Short: "Create the groups described in a yaml file ({groups: [...]})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := loadPayload(args[0])
			if err != nil {
				return err
			}
			out, err := c.do(cmd.Context(), http.MethodPost, "/iot/groups", nil, body)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}

	var withDevices bool
	remove := &cobra.Command{
		Use:   "remove <resource> <apikey>",
		Short: "Remove a configuration group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"resource": {args[0]}, "apikey": {args[1]}}
			if withDevices {
				q.Set("device", "true")
			}
			out, err := c.do(cmd.Context(), http.MethodDelete, "/iot/groups", q, nil)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	remove.Flags().BoolVar(&withDevices, "devices", false, "also remove the devices of the group")

	cmd.AddCommand(list, provision, remove)
	return cmd
}
